package settings

import (
	"log/slog"
	"reflect"
	"strings"
	"unsafe"
)

const defaultBindAddress = "0.0.0.0"
const defaultPort = 8104
const defaultMonitoringPort = 9090
const defaultMonitoringPortEnabled = true
const defaultDbType = "sqlite"
const defaultDbUrl = "./data/pacsarc.db"
const defaultArchiveConfigPath = "./archive.yaml"
const defaultLogLevel = "info"
const defaultOtelExporter = ""
const defaultOtelEndpoint = "localhost:4318"

const mergableTagKey = "mergable"

type Settings struct {
	bindAddress           *string `mergable:""`
	port                  *int    `mergable:""`
	monitoringPort        *int    `mergable:""`
	monitoringPortEnabled *bool   `mergable:""`
	dbType                *string `mergable:""`
	dbUrl                 *string `mergable:""`
	archiveConfigPath     *string `mergable:""`
	logLevel              *string `mergable:""`
	otelExporter          *string `mergable:""`
	otelEndpoint          *string `mergable:""`
}

func valueOrDefault[V any](v *V, defaultValue V) V {
	if v == nil {
		return defaultValue
	}
	return *v
}

func (s *Settings) BindAddress() string {
	return valueOrDefault(s.bindAddress, defaultBindAddress)
}

func (s *Settings) Port() int {
	return valueOrDefault(s.port, defaultPort)
}

func (s *Settings) MonitoringPort() int {
	return valueOrDefault(s.monitoringPort, defaultMonitoringPort)
}

func (s *Settings) MonitoringPortEnabled() bool {
	return valueOrDefault(s.monitoringPortEnabled, defaultMonitoringPortEnabled)
}

func (s *Settings) DbType() string {
	return valueOrDefault(s.dbType, defaultDbType)
}

func (s *Settings) DbUrl() string {
	return valueOrDefault(s.dbUrl, defaultDbUrl)
}

func (s *Settings) ArchiveConfigPath() string {
	return valueOrDefault(s.archiveConfigPath, defaultArchiveConfigPath)
}

// LogLevel maps debug, info, warn and error onto slog levels. Unknown values fall back to info.
func (s *Settings) LogLevel() slog.Level {
	switch strings.ToLower(valueOrDefault(s.logLevel, defaultLogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// OtelExporter is "otlp", "stdout" or empty when tracing is disabled.
func (s *Settings) OtelExporter() string {
	return valueOrDefault(s.otelExporter, defaultOtelExporter)
}

func (s *Settings) OtelEndpoint() string {
	return valueOrDefault(s.otelEndpoint, defaultOtelEndpoint)
}

func getUnexportedField(field reflect.Value) interface{} {
	return reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem().Interface()
}

func setUnexportedField(field reflect.Value, value interface{}) {
	reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem().Set(reflect.ValueOf(value))
}

func isNilish(val any) bool {
	if val == nil {
		return true
	}

	v := reflect.ValueOf(val)
	k := v.Kind()
	switch k {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer,
		reflect.UnsafePointer, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}

	return false
}

func (s *Settings) merge(other *Settings) {
	fields := reflect.VisibleFields(reflect.TypeOf(other).Elem())
	sStruct := reflect.ValueOf(s).Elem()
	otherStruct := reflect.ValueOf(other).Elem()

	for _, field := range fields {
		if _, ok := field.Tag.Lookup(mergableTagKey); !ok {
			continue
		}
		sField := sStruct.FieldByName(field.Name)
		otherField := otherStruct.FieldByName(field.Name)

		otherFieldValue := getUnexportedField(otherField)
		if field.Type.Kind() == reflect.Pointer && isNilish(otherFieldValue) {
			continue
		}
		setUnexportedField(sField, otherFieldValue)
	}
}

// mergeSettings merges left to right. Later non-nil values win.
func mergeSettings(settings ...*Settings) *Settings {
	var result *Settings = &Settings{}
	for _, setting := range settings {
		if setting == nil {
			continue
		}
		result.merge(setting)
	}
	return result
}

const settingsJsonFile = "config.json"

// LoadSettings merges config.json, the command line arguments and PACSARC_* environment variables.
func LoadSettings(args []string) (*Settings, error) {
	jsonSettings, err := loadSettingsFromJson(settingsJsonFile)
	if err != nil {
		slog.Debug("No settings loaded from " + settingsJsonFile + ": " + err.Error())
	}
	cmdArgsSettings, err := loadSettingsFromCmdArgs(args)
	if err != nil {
		return nil, err
	}
	envSettings, err := loadSettingsFromEnv()
	if err != nil {
		return nil, err
	}
	settings := mergeSettings(jsonSettings, cmdArgsSettings, envSettings)
	return settings, nil
}
