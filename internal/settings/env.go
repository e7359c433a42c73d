package settings

import (
	"os"
	"strconv"
	"strings"
)

const envKeyPrefix string = "PACSARC"

const bindAddressEnvKey string = envKeyPrefix + "_BIND_ADDRESS"
const portEnvKey string = envKeyPrefix + "_PORT"
const monitoringPortEnvKey string = envKeyPrefix + "_MONITORING_PORT"
const monitoringPortEnabledEnvKey string = envKeyPrefix + "_MONITORING_PORT_ENABLED"
const dbTypeEnvKey string = envKeyPrefix + "_DB_TYPE"
const dbUrlEnvKey string = envKeyPrefix + "_DB_URL"
const archiveConfigPathEnvKey string = envKeyPrefix + "_ARCHIVE_CONFIG_PATH"
const logLevelEnvKey string = envKeyPrefix + "_LOG_LEVEL"
const otelExporterEnvKey string = envKeyPrefix + "_OTEL_EXPORTER"
const otelEndpointEnvKey string = envKeyPrefix + "_OTEL_ENDPOINT"

func getStringFromEnv(envKey string) *string {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	return &val
}

func getIntFromEnv(envKey string) *int {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	int64Val, err := strconv.ParseInt(val, 10, 32)
	if err != nil {
		return nil
	}
	intVal := int(int64Val)
	return &intVal
}

func getBoolFromEnv(envKey string) *bool {
	val := os.Getenv(envKey)
	val = strings.ToLower(val)
	if val == "" {
		return nil
	}
	retval := val == "1" || val == "t" || val == "true"
	return &retval
}

func loadSettingsFromEnv() (*Settings, error) {
	return &Settings{
		bindAddress:           getStringFromEnv(bindAddressEnvKey),
		port:                  getIntFromEnv(portEnvKey),
		monitoringPort:        getIntFromEnv(monitoringPortEnvKey),
		monitoringPortEnabled: getBoolFromEnv(monitoringPortEnabledEnvKey),
		dbType:                getStringFromEnv(dbTypeEnvKey),
		dbUrl:                 getStringFromEnv(dbUrlEnvKey),
		archiveConfigPath:     getStringFromEnv(archiveConfigPathEnvKey),
		logLevel:              getStringFromEnv(logLevelEnvKey),
		otelExporter:          getStringFromEnv(otelExporterEnvKey),
		otelEndpoint:          getStringFromEnv(otelEndpointEnvKey),
	}, nil
}
