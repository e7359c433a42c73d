package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestCanCreateStringProviderFromRawStringJson(t *testing.T) {
	testutils.SkipIfIntegration(t)
	jsonData := `"String"`
	stringProvider := StringProvider{}
	err := json.Unmarshal([]byte(jsonData), &stringProvider)
	assert.Nil(t, err)
	assert.Equal(t, "String", stringProvider.Value())
}

func TestCanCreateStringProviderFromEnvKeyStringJson(t *testing.T) {
	testutils.SkipIfIntegration(t)
	jsonData := `{
	  "type": "EnvKey",
	  "envKey": "PACSARC_ENV_KEY_STRING_TEST"
	}`
	t.Setenv("PACSARC_ENV_KEY_STRING_TEST", "EnvString")
	stringProvider := StringProvider{}
	err := json.Unmarshal([]byte(jsonData), &stringProvider)
	assert.Nil(t, err)
	assert.Equal(t, "EnvString", stringProvider.Value())
}

func TestCanCreateStringProviderFromEnvKeyStringYaml(t *testing.T) {
	testutils.SkipIfIntegration(t)
	yamlData := "type: EnvKey\nenvKey: PACSARC_ENV_KEY_STRING_YAML_TEST\n"
	t.Setenv("PACSARC_ENV_KEY_STRING_YAML_TEST", "YamlEnvString")
	stringProvider := StringProvider{}
	err := yaml.Unmarshal([]byte(yamlData), &stringProvider)
	assert.Nil(t, err)
	assert.Equal(t, "YamlEnvString", stringProvider.Value())
}

func TestStringProviderRejectsUnknownType(t *testing.T) {
	testutils.SkipIfIntegration(t)
	stringProvider := StringProvider{}
	err := json.Unmarshal([]byte(`{"type": "Vault", "envKey": "X"}`), &stringProvider)
	assert.True(t, errors.Is(err, ErrUnknownProviderType))
}

func TestCanCreateInt64ProviderFromRawInt64Json(t *testing.T) {
	testutils.SkipIfIntegration(t)
	jsonData := `1`
	int64Provider := Int64Provider{}
	err := json.Unmarshal([]byte(jsonData), &int64Provider)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), int64Provider.Value())
}

func TestCanCreateInt64ProviderFromEnvKeyStringJson(t *testing.T) {
	testutils.SkipIfIntegration(t)
	jsonData := `{
	  "type": "EnvKey",
	  "envKey": "PACSARC_ENV_KEY_INT64_TEST"
	}`
	t.Setenv("PACSARC_ENV_KEY_INT64_TEST", "2")
	int64Provider := Int64Provider{}
	err := json.Unmarshal([]byte(jsonData), &int64Provider)
	assert.Nil(t, err)
	assert.Equal(t, int64(2), int64Provider.Value())
}

func TestDurationAcceptsStringsAndNanos(t *testing.T) {
	testutils.SkipIfIntegration(t)
	var d Duration
	assert.Nil(t, json.Unmarshal([]byte(`"90s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Nil(t, yaml.Unmarshal([]byte(`2m`), &d))
	assert.Equal(t, 2*time.Minute, d.Duration())
	assert.Nil(t, yaml.Unmarshal([]byte(`1000`), &d))
	assert.Equal(t, time.Microsecond, d.Duration())
}

const archiveYaml = `
updateDbRetries: 5
digestAlgorithm: SHA-256
storageSystemGroups:
  - groupId: ONLINE1
    groupType: ONLINE
    retention:
      value: 30
      unit: DAYS
    minimumDaysOfFreeSpace: 2
    storageSystems:
      - systemId: fs1
        type: filesystem
        minFreeSpace: 10%
        filesystem:
          root: /var/lib/pacsarc/fs1
      - systemId: mem1
        type: inmemory
        minFreeSpace: 5 GiB
  - groupId: SPOOL
    groupType: SPOOL
    storageSystems:
      - systemId: spool1
        type: inmemory
archiveAEs:
  - aeTitle: PACSARC
    storageSystemGroupType: ONLINE
    coercions:
      - remoteAET: MODALITY1
        script: "function coerce(a, p) return a end"
      - script: "function coerce(a, p) return a end"
deleter:
  workers: 4
  pollInterval: 500ms
`

func TestParseArchiveYaml(t *testing.T) {
	testutils.SkipIfIntegration(t)
	archive, err := ParseArchiveYaml([]byte(archiveYaml))
	assert.Nil(t, err)
	assert.Equal(t, 5, archive.UpdateDbRetries)
	assert.Equal(t, "SHA-256", archive.DigestAlgorithm)
	assert.Len(t, archive.StorageSystemGroups, 2)
	assert.Equal(t, 4, archive.Deleter.Workers)
	assert.Equal(t, 500*time.Millisecond, archive.Deleter.PollInterval.Duration())
	assert.Equal(t, 10, archive.Deleter.MaxAttempts)
	assert.Equal(t, 100, archive.RetentionSweep.BatchSize)

	group, err := archive.StorageSystemGroup("ONLINE1")
	assert.Nil(t, err)
	assert.Equal(t, 30*24*time.Hour, group.Retention.Duration())
	assert.Equal(t, DefaultStoragePathFormat, group.StoragePathFormat)
	assert.Equal(t, 7, group.DataVolumeWindowDays)

	owner, system, err := archive.StorageSystem("mem1")
	assert.Nil(t, err)
	assert.Equal(t, "ONLINE1", owner.GroupId)
	assert.Equal(t, StorageSystemTypeInMemory, system.Type)

	ae, err := archive.ArchiveAE("PACSARC")
	assert.Nil(t, err)
	assert.Equal(t, "MODALITY1", ae.Coercion("MODALITY1").RemoteAET)
	assert.Equal(t, "", ae.Coercion("OTHER").RemoteAET)

	_, err = archive.ArchiveAE("UNKNOWN")
	assert.True(t, errors.Is(err, ErrUnknownArchiveAE))
	_, err = archive.StorageSystemGroup("UNKNOWN")
	assert.True(t, errors.Is(err, ErrUnknownStorageGroup))

	groupIds := archive.ArchiveAEGroupIds()
	assert.Contains(t, groupIds, "ONLINE1")
	assert.NotContains(t, groupIds, "SPOOL")
}

func TestParseArchiveJsonWithComments(t *testing.T) {
	testutils.SkipIfIntegration(t)
	archive, err := ParseArchiveJson([]byte(`{
		// single in-memory group
		"storageSystemGroups": [
			{"groupId": "G1", "storageSystems": [{"systemId": "m1", "type": "inmemory"}]},
		],
		"archiveAEs": [{"aeTitle": "AE1", "storageSystemGroupId": "G1"}],
	}`))
	assert.Nil(t, err)
	assert.Equal(t, 3, archive.UpdateDbRetries)
	assert.Equal(t, "MD5", archive.DigestAlgorithm)
}

func TestValidateRejectsBrokenConfigurations(t *testing.T) {
	testutils.SkipIfIntegration(t)
	cases := map[string]string{
		"duplicate group": `
storageSystemGroups:
  - {groupId: G1, storageSystems: [{systemId: a, type: inmemory}]}
  - {groupId: G1, storageSystems: [{systemId: b, type: inmemory}]}`,
		"duplicate system": `
storageSystemGroups:
  - {groupId: G1, storageSystems: [{systemId: a, type: inmemory}]}
  - {groupId: G2, storageSystems: [{systemId: a, type: inmemory}]}`,
		"unknown ae group": `
storageSystemGroups:
  - {groupId: G1, storageSystems: [{systemId: a, type: inmemory}]}
archiveAEs:
  - {aeTitle: AE, storageSystemGroupId: G2}`,
		"ae without group": `
storageSystemGroups:
  - {groupId: G1, storageSystems: [{systemId: a, type: inmemory}]}
archiveAEs:
  - {aeTitle: AE}`,
		"unknown system type": `
storageSystemGroups:
  - {groupId: G1, storageSystems: [{systemId: a, type: tape}]}`,
		"filesystem without root": `
storageSystemGroups:
  - {groupId: G1, storageSystems: [{systemId: a, type: filesystem}]}`,
		"bad min free space": `
storageSystemGroups:
  - {groupId: G1, storageSystems: [{systemId: a, type: inmemory, minFreeSpace: lots}]}`,
		"unknown spool group": `
storageSystemGroups:
  - {groupId: G1, spoolStorageGroup: G9, storageSystems: [{systemId: a, type: inmemory}]}`,
		"bad retention unit": `
storageSystemGroups:
  - {groupId: G1, retention: {value: 1, unit: WEEKS}, storageSystems: [{systemId: a, type: inmemory}]}`,
	}
	for name, data := range cases {
		_, err := ParseArchiveYaml([]byte(data))
		assert.True(t, errors.Is(err, ErrInvalidConfiguration), name)
	}
}

func TestLoadArchiveByExtension(t *testing.T) {
	testutils.SkipIfIntegration(t)
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "archive.yml")
	assert.Nil(t, os.WriteFile(yamlPath, []byte(archiveYaml), 0o644))
	archive, err := LoadArchive(yamlPath)
	assert.Nil(t, err)
	assert.Equal(t, 5, archive.UpdateDbRetries)

	tomlPath := filepath.Join(dir, "archive.toml")
	assert.Nil(t, os.WriteFile(tomlPath, []byte(""), 0o644))
	_, err = LoadArchive(tomlPath)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestParseMinFreeSpace(t *testing.T) {
	testutils.SkipIfIntegration(t)
	v, err := ParseMinFreeSpace("10%", 1000)
	assert.Nil(t, err)
	assert.Equal(t, int64(100), v)

	v, err = ParseMinFreeSpace("1 KiB", 0)
	assert.Nil(t, err)
	assert.Equal(t, int64(1024), v)

	v, err = ParseMinFreeSpace("", 1000)
	assert.Nil(t, err)
	assert.Equal(t, int64(0), v)

	_, err = ParseMinFreeSpace("150%", 1000)
	assert.NotNil(t, err)
}

func TestUnitDuration(t *testing.T) {
	testutils.SkipIfIntegration(t)
	assert.Equal(t, 24*time.Hour, UnitDuration("DAYS"))
	assert.Equal(t, time.Hour, UnitDuration("hours"))
	assert.Equal(t, time.Minute, UnitDuration(RetentionUnitMinutes))
	assert.Equal(t, time.Second, UnitDuration("fortnights"))
}
