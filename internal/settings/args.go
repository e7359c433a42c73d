package settings

import (
	"github.com/spf13/pflag"
)

func registerStringFlag(flagSet *pflag.FlagSet, name string, defaultValue string, description string) func() *string {
	stringVar := flagSet.String(name, defaultValue, description)
	return func() *string {
		if !flagSet.Changed(name) {
			return nil
		}
		return stringVar
	}
}

func registerIntFlag(flagSet *pflag.FlagSet, name string, defaultValue int, description string) func() *int {
	intVar := flagSet.Int(name, defaultValue, description)
	return func() *int {
		if !flagSet.Changed(name) {
			return nil
		}
		return intVar
	}
}

func registerBoolFlag(flagSet *pflag.FlagSet, name string, defaultValue bool, description string) func() *bool {
	boolVar := flagSet.Bool(name, defaultValue, description)
	return func() *bool {
		if !flagSet.Changed(name) {
			return nil
		}
		return boolVar
	}
}

func loadSettingsFromCmdArgs(args []string) (*Settings, error) {
	flagSet := pflag.NewFlagSet("pacsarc", pflag.ContinueOnError)
	bindAddressAccessor := registerStringFlag(flagSet, "bindAddress", defaultBindAddress, "the address the http api is bound to")
	portAccessor := registerIntFlag(flagSet, "port", defaultPort, "the port of the http api")
	monitoringPortAccessor := registerIntFlag(flagSet, "monitoringPort", defaultMonitoringPort, "the port serving /metrics and /health")
	monitoringPortEnabledAccessor := registerBoolFlag(flagSet, "monitoringPortEnabled", defaultMonitoringPortEnabled, "serve metrics and health on the monitoring port")
	dbTypeAccessor := registerStringFlag(flagSet, "dbType", defaultDbType, "the database type (sqlite or postgres)")
	dbUrlAccessor := registerStringFlag(flagSet, "dbUrl", defaultDbUrl, "the sqlite file path or postgres connection string")
	archiveConfigPathAccessor := registerStringFlag(flagSet, "archiveConfigPath", defaultArchiveConfigPath, "path of the archive configuration (yaml or json)")
	logLevelAccessor := registerStringFlag(flagSet, "logLevel", defaultLogLevel, "the log level (debug, info, warn or error)")

	otelExporterAccessor := registerStringFlag(flagSet, "otelExporter", defaultOtelExporter, "the trace exporter (otlp or stdout), empty disables tracing")
	otelEndpointAccessor := registerStringFlag(flagSet, "otelEndpoint", defaultOtelEndpoint, "the otlp http endpoint")

	err := flagSet.Parse(args)
	if err != nil {
		return nil, err
	}

	return &Settings{
		bindAddress:           bindAddressAccessor(),
		port:                  portAccessor(),
		monitoringPort:        monitoringPortAccessor(),
		monitoringPortEnabled: monitoringPortEnabledAccessor(),
		dbType:                dbTypeAccessor(),
		dbUrl:                 dbUrlAccessor(),
		archiveConfigPath:     archiveConfigPathAccessor(),
		logLevel:              logLevelAccessor(),
		otelExporter:          otelExporterAccessor(),
		otelEndpoint:          otelEndpointAccessor(),
	}, nil
}
