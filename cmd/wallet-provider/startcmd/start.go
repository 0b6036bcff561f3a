/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package startcmd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/IAmCoder/nl-wallet/pkg/keys/appleattest"
	"github.com/IAmCoder/nl-wallet/pkg/keys/googleattest"
	"github.com/IAmCoder/nl-wallet/pkg/keys/softkey"
	"github.com/IAmCoder/nl-wallet/pkg/pinpolicy"
	"github.com/IAmCoder/nl-wallet/pkg/provider/account"
	"github.com/IAmCoder/nl-wallet/pkg/provider/instruction"
	"github.com/IAmCoder/nl-wallet/pkg/provider/rest"
)

const (
	// api host flag.
	hostFlagName      = "api-host"
	hostEnvKey        = "WALLET_PROVIDER_API_HOST"
	hostFlagShorthand = "a"
	hostFlagUsage     = "Host Name:Port." +
		" Alternatively, this can be set with the following environment variable: " + hostEnvKey

	databaseTypeFlagName      = "database-type"
	databaseTypeEnvKey        = "WALLET_PROVIDER_DATABASE_TYPE"
	databaseTypeFlagShorthand = "q"
	databaseTypeFlagUsage     = "The type of database to use for account storage. " +
		"Supported options: mem. Defaults to mem if not set. " +
		" Alternatively, this can be set with the following environment variable: " + databaseTypeEnvKey

	configFileFlagName      = "config-file"
	configFileEnvKey        = "WALLET_PROVIDER_CONFIG_FILE"
	configFileFlagShorthand = "f"
	configFileFlagUsage     = "Path to a JSON file holding the PIN policy and instruction timing parameters." +
		" Defaults are used if not set." +
		" Alternatively, this can be set with the following environment variable: " + configFileEnvKey

	resultKeyFileFlagName  = "result-key-file"
	resultKeyFileEnvKey    = "WALLET_PROVIDER_RESULT_KEY_FILE" // nolint:gosec
	resultKeyFileFlagUsage = "PEM file with the EC private key that signs instruction results." +
		" A fresh key is generated when not set." +
		" Alternatively, this can be set with the following environment variable: " + resultKeyFileEnvKey

	certificateKeyFileFlagName  = "certificate-key-file"
	certificateKeyFileEnvKey    = "WALLET_PROVIDER_CERTIFICATE_KEY_FILE" // nolint:gosec
	certificateKeyFileFlagUsage = "PEM file with the EC private key that signs wallet certificates." +
		" A fresh key is generated when not set." +
		" Alternatively, this can be set with the following environment variable: " + certificateKeyFileEnvKey

	wteKeyFileFlagName  = "wte-key-file"
	wteKeyFileEnvKey    = "WALLET_PROVIDER_WTE_KEY_FILE" // nolint:gosec
	wteKeyFileFlagUsage = "PEM file with the EC private key that signs wallet trust evidence." +
		" A fresh key is generated when not set." +
		" Alternatively, this can be set with the following environment variable: " + wteKeyFileEnvKey

	googleRootsFileFlagName  = "google-attestation-roots-file"
	googleRootsFileEnvKey    = "WALLET_PROVIDER_GOOGLE_ATTESTATION_ROOTS_FILE"
	googleRootsFileFlagUsage = "PEM file with the public keys trusted to root Android key attestation chains." +
		" Alternatively, this can be set with the following environment variable: " + googleRootsFileEnvKey

	appleRootsFileFlagName  = "apple-attestation-roots-file"
	appleRootsFileEnvKey    = "WALLET_PROVIDER_APPLE_ATTESTATION_ROOTS_FILE"
	appleRootsFileFlagUsage = "PEM file with the certificates trusted to root Apple App Attest chains." +
		" Alternatively, this can be set with the following environment variable: " + appleRootsFileEnvKey

	appleAppIDFlagName  = "apple-app-identifier"
	appleAppIDEnvKey    = "WALLET_PROVIDER_APPLE_APP_IDENTIFIER"
	appleAppIDFlagUsage = "App identifier (TeamID.BundleID) Apple App Attest statements must be scoped to." +
		" Alternatively, this can be set with the following environment variable: " + appleAppIDEnvKey

	softwareAttestationFlagName  = "allow-software-attestation"
	softwareAttestationEnvKey    = "WALLET_PROVIDER_ALLOW_SOFTWARE_ATTESTATION"
	softwareAttestationFlagUsage = "Accept software-attested hardware keys." +
		" Possible values [true] [false]. Defaults to false if not set. Test configurations only." +
		" Alternatively, this can be set with the following environment variable: " + softwareAttestationEnvKey

	// log level.
	logLevelFlagName  = "log-level"
	logLevelEnvKey    = "WALLET_PROVIDER_LOG_LEVEL"
	logLevelFlagUsage = "Log level." +
		" Possible values [INFO] [DEBUG] [ERROR] [WARNING] [CRITICAL] . Defaults to INFO if not set." +
		" Alternatively, this can be set with the following environment variable: " + logLevelEnvKey

	tlsCertFileFlagName      = "tls-cert-file"
	tlsCertFileEnvKey        = "TLS_CERT_FILE"
	tlsCertFileFlagShorthand = "c"
	tlsCertFileFlagUsage     = "tls certificate file." +
		" Alternatively, this can be set with the following environment variable: " + tlsCertFileEnvKey

	tlsKeyFileFlagName      = "tls-key-file"
	tlsKeyFileEnvKey        = "TLS_KEY_FILE"
	tlsKeyFileFlagShorthand = "k"
	tlsKeyFileFlagUsage     = "tls key file." +
		" Alternatively, this can be set with the following environment variable: " + tlsKeyFileEnvKey

	databaseTypeMemOption = "mem"
)

var (
	errMissingHost = errors.New("host not provided")
	logger         = log.New("wallet-provider/startcmd")
)

// nolint:gochecknoglobals
var supportedStorageProviders = map[string]func() (storage.Provider, error){
	databaseTypeMemOption: func() (storage.Provider, error) {
		return mem.NewProvider(), nil
	},
}

type serverParameters struct {
	server                   server
	host                     string
	databaseType             string
	configFile               string
	resultKeyFile            string
	certificateKeyFile       string
	wteKeyFile               string
	googleRootsFile          string
	appleRootsFile           string
	appleAppID               string
	allowSoftwareAttestation bool
	tlsCertFile, tlsKeyFile  string
}

// providerConfig is the JSON config-file shape. All fields are optional;
// instruction.NewService fills in the defaults for zero values.
type providerConfig struct {
	PinPolicy struct {
		Rounds           int   `mapstructure:"rounds"`
		AttemptsPerRound int   `mapstructure:"attempts_per_round"`
		TimeoutsSeconds  []int `mapstructure:"timeouts_seconds"`
	} `mapstructure:"pin_policy"`
	ChallengeTTLSeconds int `mapstructure:"challenge_ttl_seconds"`
	WTETTLSeconds       int `mapstructure:"wte_ttl_seconds"`
}

type server interface {
	ListenAndServe(host string, router http.Handler, certFile, keyFile string) error
}

// HTTPServer represents an actual server implementation.
type HTTPServer struct{}

// ListenAndServe starts the server using the standard Go HTTP server implementation.
func (s *HTTPServer) ListenAndServe(host string, router http.Handler, certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		return http.ListenAndServeTLS(host, certFile, keyFile, router)
	}

	return http.ListenAndServe(host, router)
}

// Cmd returns the Cobra start command.
func Cmd(server server) (*cobra.Command, error) {
	startCmd := createStartCmd(server)

	createFlags(startCmd)

	return startCmd, nil
}

func createStartCmd(server server) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a wallet provider",
		Long:  `Start the wallet provider account server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, err := getUserSetVar(cmd, logLevelFlagName, logLevelEnvKey, true)
			if err != nil {
				return err
			}

			err = setLogLevel(logLevel)
			if err != nil {
				return err
			}

			parameters, err := getServerParameters(cmd, server)
			if err != nil {
				return err
			}

			return startProvider(parameters)
		},
	}
}

func getServerParameters(cmd *cobra.Command, server server) (*serverParameters, error) { // nolint:gocyclo
	host, err := getUserSetVar(cmd, hostFlagName, hostEnvKey, false)
	if err != nil {
		return nil, err
	}

	databaseType, err := getUserSetVar(cmd, databaseTypeFlagName, databaseTypeEnvKey, true)
	if err != nil {
		return nil, err
	}

	if databaseType == "" {
		databaseType = databaseTypeMemOption
	}

	configFile, err := getUserSetVar(cmd, configFileFlagName, configFileEnvKey, true)
	if err != nil {
		return nil, err
	}

	resultKeyFile, err := getUserSetVar(cmd, resultKeyFileFlagName, resultKeyFileEnvKey, true)
	if err != nil {
		return nil, err
	}

	certificateKeyFile, err := getUserSetVar(cmd, certificateKeyFileFlagName, certificateKeyFileEnvKey, true)
	if err != nil {
		return nil, err
	}

	wteKeyFile, err := getUserSetVar(cmd, wteKeyFileFlagName, wteKeyFileEnvKey, true)
	if err != nil {
		return nil, err
	}

	googleRootsFile, err := getUserSetVar(cmd, googleRootsFileFlagName, googleRootsFileEnvKey, true)
	if err != nil {
		return nil, err
	}

	appleRootsFile, err := getUserSetVar(cmd, appleRootsFileFlagName, appleRootsFileEnvKey, true)
	if err != nil {
		return nil, err
	}

	appleAppID, err := getUserSetVar(cmd, appleAppIDFlagName, appleAppIDEnvKey, true)
	if err != nil {
		return nil, err
	}

	allowSoftwareAttestation, err := getSoftwareAttestationValue(cmd)
	if err != nil {
		return nil, err
	}

	tlsCertFile, err := getUserSetVar(cmd, tlsCertFileFlagName, tlsCertFileEnvKey, true)
	if err != nil {
		return nil, err
	}

	tlsKeyFile, err := getUserSetVar(cmd, tlsKeyFileFlagName, tlsKeyFileEnvKey, true)
	if err != nil {
		return nil, err
	}

	return &serverParameters{
		server:                   server,
		host:                     host,
		databaseType:             databaseType,
		configFile:               configFile,
		resultKeyFile:            resultKeyFile,
		certificateKeyFile:       certificateKeyFile,
		wteKeyFile:               wteKeyFile,
		googleRootsFile:          googleRootsFile,
		appleRootsFile:           appleRootsFile,
		appleAppID:               appleAppID,
		allowSoftwareAttestation: allowSoftwareAttestation,
		tlsCertFile:              tlsCertFile,
		tlsKeyFile:               tlsKeyFile,
	}, nil
}

func getSoftwareAttestationValue(cmd *cobra.Command) (bool, error) {
	v, err := getUserSetVar(cmd, softwareAttestationFlagName, softwareAttestationEnvKey, true)
	if err != nil {
		return false, err
	}

	if v == "" {
		return false, nil
	}

	return strconv.ParseBool(v)
}

func createFlags(startCmd *cobra.Command) {
	startCmd.Flags().StringP(hostFlagName, hostFlagShorthand, "", hostFlagUsage)
	startCmd.Flags().StringP(databaseTypeFlagName, databaseTypeFlagShorthand, "", databaseTypeFlagUsage)
	startCmd.Flags().StringP(configFileFlagName, configFileFlagShorthand, "", configFileFlagUsage)
	startCmd.Flags().StringP(resultKeyFileFlagName, "", "", resultKeyFileFlagUsage)
	startCmd.Flags().StringP(certificateKeyFileFlagName, "", "", certificateKeyFileFlagUsage)
	startCmd.Flags().StringP(wteKeyFileFlagName, "", "", wteKeyFileFlagUsage)
	startCmd.Flags().StringP(googleRootsFileFlagName, "", "", googleRootsFileFlagUsage)
	startCmd.Flags().StringP(appleRootsFileFlagName, "", "", appleRootsFileFlagUsage)
	startCmd.Flags().StringP(appleAppIDFlagName, "", "", appleAppIDFlagUsage)
	startCmd.Flags().StringP(softwareAttestationFlagName, "", "", softwareAttestationFlagUsage)
	startCmd.Flags().StringP(logLevelFlagName, "", "", logLevelFlagUsage)
	startCmd.Flags().StringP(tlsCertFileFlagName, tlsCertFileFlagShorthand, "", tlsCertFileFlagUsage)
	startCmd.Flags().StringP(tlsKeyFileFlagName, tlsKeyFileFlagShorthand, "", tlsKeyFileFlagUsage)
}

func getUserSetVar(cmd *cobra.Command, flagName, envKey string, isOptional bool) (string, error) {
	if cmd.Flags().Changed(flagName) {
		value, err := cmd.Flags().GetString(flagName)
		if err != nil {
			return "", fmt.Errorf(flagName+" flag not found: %s", err)
		}

		return value, nil
	}

	value, isSet := os.LookupEnv(envKey)

	if isOptional || isSet {
		return value, nil
	}

	return "", errors.New("Neither " + flagName + " (command line flag) nor " + envKey +
		" (environment variable) have been set.")
}

func setLogLevel(logLevel string) error {
	if logLevel != "" {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("failed to parse log level '%s' : %w", logLevel, err)
		}

		log.SetLevel("", level)

		logger.Infof("logger level set to %s", logLevel)
	}

	return nil
}

func startProvider(parameters *serverParameters) error {
	if parameters.host == "" {
		return errMissingHost
	}

	service, err := createInstructionService(parameters)
	if err != nil {
		return err
	}

	router := rest.New(service).Router()

	logger.Infof("Starting wallet provider on host [%s]", parameters.host)

	handler := cors.New(
		cors.Options{
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Origin", "Accept", "Content-Type", "X-Requested-With", "Authorization"},
		},
	).Handler(router)

	err = parameters.server.ListenAndServe(parameters.host, handler, parameters.tlsCertFile, parameters.tlsKeyFile)
	if err != nil {
		return fmt.Errorf("failed to start wallet provider on host [%s], cause: %w", parameters.host, err)
	}

	return nil
}

func createInstructionService(parameters *serverParameters) (*instruction.Service, error) {
	storeProvider, err := createStoreProvider(parameters.databaseType)
	if err != nil {
		return nil, err
	}

	repo, err := account.NewRepository(storeProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to open the account store: %w", err)
	}

	fileConfig, err := readProviderConfig(parameters.configFile)
	if err != nil {
		return nil, err
	}

	resultKey, err := loadOrGenerateKey(parameters.resultKeyFile, "instruction result")
	if err != nil {
		return nil, err
	}

	certificateKey, err := loadOrGenerateKey(parameters.certificateKeyFile, "wallet certificate")
	if err != nil {
		return nil, err
	}

	wteKey, err := loadOrGenerateKey(parameters.wteKeyFile, "wallet trust evidence")
	if err != nil {
		return nil, err
	}

	googleConfig, err := readGoogleRoots(parameters.googleRootsFile)
	if err != nil {
		return nil, err
	}

	appleConfig, err := readAppleRoots(parameters.appleRootsFile, parameters.appleAppID)
	if err != nil {
		return nil, err
	}

	if parameters.allowSoftwareAttestation {
		logger.Warnf("software key attestation is enabled; do not use this configuration in production")
	}

	service, err := instruction.NewService(instruction.Config{
		Repo:                     repo,
		HSM:                      softkey.New(),
		Policy:                   pinPolicyFromConfig(fileConfig),
		ChallengeTTL:             time.Duration(fileConfig.ChallengeTTLSeconds) * time.Second,
		WTETTL:                   time.Duration(fileConfig.WTETTLSeconds) * time.Second,
		ResultKey:                resultKey,
		CertificateKey:           certificateKey,
		WTEKey:                   wteKey,
		Google:                   googleConfig,
		Apple:                    appleConfig,
		AllowSoftwareAttestation: parameters.allowSoftwareAttestation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create the instruction service: %w", err)
	}

	return service, nil
}

func createStoreProvider(databaseType string) (storage.Provider, error) {
	createProvider, supported := supportedStorageProviders[databaseType]
	if !supported {
		return nil, fmt.Errorf("database type [%s] not supported", databaseType)
	}

	return createProvider()
}

// readProviderConfig decodes the optional JSON config file. Missing file
// means all defaults.
func readProviderConfig(path string) (*providerConfig, error) {
	config := &providerConfig{}

	if path == "" {
		return config, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file [%s]: %w", path, err)
	}

	var raw map[string]interface{}

	if err := json.Unmarshal(contents, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file [%s]: %w", path, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      config,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid config file [%s]: %w", path, err)
	}

	return config, nil
}

func pinPolicyFromConfig(config *providerConfig) pinpolicy.Policy {
	policy := pinpolicy.DefaultPolicy()

	if config.PinPolicy.Rounds != 0 {
		policy.Rounds = config.PinPolicy.Rounds
	}

	if config.PinPolicy.AttemptsPerRound != 0 {
		policy.AttemptsPerRound = config.PinPolicy.AttemptsPerRound
	}

	if len(config.PinPolicy.TimeoutsSeconds) != 0 {
		timeouts := make([]time.Duration, len(config.PinPolicy.TimeoutsSeconds))
		for i, seconds := range config.PinPolicy.TimeoutsSeconds {
			timeouts[i] = time.Duration(seconds) * time.Second
		}

		policy.Timeouts = timeouts
	}

	return policy
}

// loadOrGenerateKey reads a PEM "EC PRIVATE KEY" file, or generates an
// ephemeral key when no file is configured. Ephemeral keys invalidate all
// issued certificates and trust evidence on restart.
func loadOrGenerateKey(path, purpose string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		logger.Warnf("no %s key file configured, generating an ephemeral key", purpose)

		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate the %s key: %w", purpose, err)
		}

		return key, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the %s key file [%s]: %w", purpose, path, err)
	}

	block, _ := pem.Decode(contents)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("the %s key file [%s] holds no EC PRIVATE KEY block", purpose, path)
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse the %s key file [%s]: %w", purpose, path, err)
	}

	return key, nil
}

func readGoogleRoots(path string) (googleattest.Config, error) {
	if path == "" {
		return googleattest.Config{}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return googleattest.Config{}, fmt.Errorf("failed to read google attestation roots [%s]: %w", path, err)
	}

	var roots []*ecdsa.PublicKey

	for block, remaining := pem.Decode(contents); block != nil; block, remaining = pem.Decode(remaining) {
		if block.Type != "PUBLIC KEY" {
			continue
		}

		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return googleattest.Config{}, fmt.Errorf("invalid google attestation root in [%s]: %w", path, err)
		}

		ecKey, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return googleattest.Config{}, fmt.Errorf("google attestation root in [%s] is %T, not ECDSA", path, pub)
		}

		roots = append(roots, ecKey)
	}

	if len(roots) == 0 {
		return googleattest.Config{}, fmt.Errorf("no PUBLIC KEY blocks in google attestation roots [%s]", path)
	}

	return googleattest.Config{RootPublicKeys: roots}, nil
}

func readAppleRoots(path, appID string) (appleattest.Config, error) {
	if path == "" {
		return appleattest.Config{AppIdentifier: appID}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return appleattest.Config{}, fmt.Errorf("failed to read apple attestation roots [%s]: %w", path, err)
	}

	var roots []*x509.Certificate

	for block, remaining := pem.Decode(contents); block != nil; block, remaining = pem.Decode(remaining) {
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return appleattest.Config{}, fmt.Errorf("invalid apple attestation root in [%s]: %w", path, err)
		}

		roots = append(roots, cert)
	}

	if len(roots) == 0 {
		return appleattest.Config{}, fmt.Errorf("no CERTIFICATE blocks in apple attestation roots [%s]", path)
	}

	return appleattest.Config{Roots: roots, AppIdentifier: appID}, nil
}
