package settings

import (
	"encoding/json"
	"os"

	"github.com/tidwall/jsonc"
)

type jsonSettings struct {
	BindAddress           *string `json:"bindAddress"`
	Port                  *int    `json:"port"`
	MonitoringPort        *int    `json:"monitoringPort"`
	MonitoringPortEnabled *bool   `json:"monitoringPortEnabled"`
	DbType                *string `json:"dbType"`
	DbUrl                 *string `json:"dbUrl"`
	ArchiveConfigPath     *string `json:"archiveConfigPath"`
	LogLevel              *string `json:"logLevel"`
	OtelExporter          *string `json:"otelExporter"`
	OtelEndpoint          *string `json:"otelEndpoint"`
}

// loadSettingsFromJson reads a json file that may contain comments and trailing commas.
func loadSettingsFromJson(jsonFile string) (*Settings, error) {
	jsonData, err := os.ReadFile(jsonFile)
	if err != nil {
		return nil, err
	}
	return parseJsonSettings(jsonData)
}

func parseJsonSettings(jsonData []byte) (*Settings, error) {
	js := jsonSettings{}
	err := json.Unmarshal(jsonc.ToJSON(jsonData), &js)
	if err != nil {
		return nil, err
	}
	return &Settings{
		bindAddress:           js.BindAddress,
		port:                  js.Port,
		monitoringPort:        js.MonitoringPort,
		monitoringPortEnabled: js.MonitoringPortEnabled,
		dbType:                js.DbType,
		dbUrl:                 js.DbUrl,
		archiveConfigPath:     js.ArchiveConfigPath,
		logLevel:              js.LogLevel,
		otelExporter:          js.OtelExporter,
		otelEndpoint:          js.OtelEndpoint,
	}, nil
}
