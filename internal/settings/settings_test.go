package settings

import (
	"log/slog"
	"testing"

	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/stretchr/testify/assert"
)

func addrOf[T any](t T) *T { return &t }

func TestMergeSettingsTwoNils(t *testing.T) {
	testutils.SkipIfIntegration(t)

	a := Settings{
		dbUrl: nil,
	}
	b := Settings{
		dbUrl: nil,
	}
	mergedSettings := mergeSettings(&a, &b)
	assert.NotNil(t, mergedSettings)
	assert.Nil(t, a.dbUrl)
	assert.Nil(t, b.dbUrl)
	assert.Nil(t, mergedSettings.dbUrl)
	assert.Equal(t, defaultDbUrl, mergedSettings.DbUrl())
}

func TestMergeSettingsNilAndValue(t *testing.T) {
	testutils.SkipIfIntegration(t)

	a := Settings{
		dbUrl: nil,
	}
	b := Settings{
		dbUrl: addrOf("test.db"),
	}
	mergedSettings := mergeSettings(&a, &b)
	assert.NotNil(t, mergedSettings)
	assert.Nil(t, a.dbUrl)
	assert.Equal(t, "test.db", *b.dbUrl)
	assert.Equal(t, b.dbUrl, mergedSettings.dbUrl)
}

func TestMergeSettingsTwoValues(t *testing.T) {
	testutils.SkipIfIntegration(t)

	a := Settings{
		dbUrl: addrOf("test.db"),
	}
	b := Settings{
		dbUrl: addrOf("test2.db"),
	}
	mergedSettings := mergeSettings(&a, &b)
	assert.NotNil(t, mergedSettings)
	assert.Equal(t, "test.db", *a.dbUrl)
	assert.Equal(t, "test2.db", *b.dbUrl)
	assert.Equal(t, b.dbUrl, mergedSettings.dbUrl)
}

func TestMergeSettingsValueAndNilKeepsValue(t *testing.T) {
	testutils.SkipIfIntegration(t)

	a := Settings{
		port: addrOf(1234),
	}
	b := Settings{}
	mergedSettings := mergeSettings(&a, nil, &b)
	assert.Equal(t, 1234, mergedSettings.Port())
}

func TestCmdArgsOnlyReturnChangedFlags(t *testing.T) {
	testutils.SkipIfIntegration(t)

	settings, err := loadSettingsFromCmdArgs([]string{"--dbType", "postgres", "--port=8080"})
	assert.Nil(t, err)
	assert.Equal(t, "postgres", *settings.dbType)
	assert.Equal(t, 8080, *settings.port)
	assert.Nil(t, settings.dbUrl)
	assert.Nil(t, settings.monitoringPortEnabled)
}

func TestCmdArgsRejectUnknownFlag(t *testing.T) {
	testutils.SkipIfIntegration(t)

	_, err := loadSettingsFromCmdArgs([]string{"--doesNotExist"})
	assert.NotNil(t, err)
}

func TestEnvOverridesCmdArgs(t *testing.T) {
	testutils.SkipIfIntegration(t)
	t.Setenv(dbUrlEnvKey, "/env/pacsarc.db")
	t.Setenv(monitoringPortEnabledEnvKey, "false")

	settings, err := LoadSettings([]string{"--dbUrl", "/args/pacsarc.db"})
	assert.Nil(t, err)
	assert.Equal(t, "/env/pacsarc.db", settings.DbUrl())
	assert.False(t, settings.MonitoringPortEnabled())
}

func TestParseJsonSettingsAllowsComments(t *testing.T) {
	testutils.SkipIfIntegration(t)

	settings, err := parseJsonSettings([]byte(`{
		// postgres in production
		"dbType": "postgres",
		"logLevel": "debug",
	}`))
	assert.Nil(t, err)
	assert.Equal(t, "postgres", settings.DbType())
	assert.Equal(t, slog.LevelDebug, settings.LogLevel())
	assert.Equal(t, defaultPort, settings.Port())
}
