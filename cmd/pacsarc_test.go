package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/settings"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/stretchr/testify/assert"
)

const archiveYaml = `
storageSystemGroups:
  - groupId: G1
    groupType: ONLINE
    storageSystems:
      - systemId: mem1
        type: inmemory
archiveAEs:
  - aeTitle: ARCHIVE
    storageSystemGroupId: G1
    coercions:
      - remoteAET: MODALITY
        script: |
          function coerce(attributes, params)
            return attributes
          end
deleter:
  workers: 4
  pollInterval: 250ms
`

func TestValidateCoercions(t *testing.T) {
	testutils.SkipIfIntegration(t)
	archive, err := config.ParseArchiveYaml([]byte(archiveYaml))
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	assert.Nil(t, validateCoercions(archive))

	archive.ArchiveAEs[0].Coercions = append(archive.ArchiveAEs[0].Coercions, config.Coercion{RemoteAET: "BROKEN", Script: "function coerce("})
	err = validateCoercions(archive)
	if assert.NotNil(t, err) {
		assert.Contains(t, err.Error(), "BROKEN")
	}
}

func TestDeleterPoolOptions(t *testing.T) {
	testutils.SkipIfIntegration(t)
	archive, err := config.ParseArchiveYaml([]byte(archiveYaml))
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	options := deleterPoolOptions(archive)
	assert.Equal(t, 4, options.Workers)
	assert.Equal(t, 250*time.Millisecond, options.PollInterval)
	assert.Equal(t, 5*time.Minute, options.LeaseDuration)
	assert.Equal(t, 10, options.MaxAttempts)
}

func TestLoadArchiveComponents(t *testing.T) {
	testutils.SkipIfIntegration(t)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "archive.yaml")
	assert.Nil(t, os.WriteFile(archivePath, []byte(archiveYaml), 0o600))
	s, err := settings.LoadSettings([]string{
		"--dbType", database.DB_TYPE_SQLITE,
		"--dbUrl", filepath.Join(dir, "pacsarc.db"),
		"--archiveConfigPath", archivePath,
	})
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	components, err := loadArchiveComponents(context.Background(), s, nil)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	defer components.Close()
	assert.Nil(t, components.sweeper.Sweep(context.Background()))
	processed, err := components.deleter.ProcessDue(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 0, processed)
}
