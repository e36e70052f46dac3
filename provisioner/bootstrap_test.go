package provisioner

import (
	"strings"
	"testing"
	"time"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderBootstrapDefaults(t *testing.T) {
	script, err := RenderBootstrap(BootstrapOptions{})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))
	assert.Contains(t, script, "apt-get install -q -y "+strings.Join(DefaultPackages, " "))
	assert.Contains(t, script, `if [ "$attempt" -ge 3 ]; then`)
	assert.Contains(t, script, "sleep 5")
	assert.Contains(t, script, `finish "`+ReadyMarker+`"`)
	assert.Contains(t, script, `finish "`+FailedMarker+`"`)
	assert.NotContains(t, script, "authorized_keys")
}

func TestRenderBootstrapCredentials(t *testing.T) {
	creds, err := NewInitialCredentials("analyst", "case-7")
	require.NoError(t, err)

	script, err := RenderBootstrap(BootstrapOptions{
		Username:      creds.Username,
		AuthorizedKey: creds.AuthorizedKey,
		Packages:      []string{"sleuthkit"},
		Policy:        retry.Policy{MaxAttempts: 7, BaseDelay: 2 * time.Second},
	})
	require.NoError(t, err)
	assert.Contains(t, script, "echo '"+creds.AuthorizedKey+"' >> /home/analyst/.ssh/authorized_keys")
	assert.Contains(t, script, "apt-get install -q -y sleuthkit\n")
	assert.Contains(t, script, `-ge 7 ]`)
	assert.Contains(t, script, "sleep 2")
}

func TestRenderBootstrapOverride(t *testing.T) {
	override := "#!/bin/bash\necho EVIDENCE_STARTUP_SCRIPT\npip install custom-tool\n"
	script, err := RenderBootstrap(BootstrapOptions{Override: override})
	require.NoError(t, err)

	assert.Contains(t, script, "<<'EVIDENCE_STARTUP_SCRIPT_END'\n"+strings.TrimRight(override, "\n")+"\nEVIDENCE_STARTUP_SCRIPT_END\n")
	assert.NotContains(t, script, "apt-get")
	assert.Contains(t, script, ReadyMarker)
}

func TestRenderBootstrapRejectsUnsafeInput(t *testing.T) {
	_, err := RenderBootstrap(BootstrapOptions{Packages: []string{"$(reboot)"}})
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)

	_, err = RenderBootstrap(BootstrapOptions{Username: "root; id", AuthorizedKey: "ssh-ed25519 AAAA"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)

	_, err = RenderBootstrap(BootstrapOptions{Username: "analyst", AuthorizedKey: "ssh-ed25519 AAAA' evil"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidRequest)
}

func TestBootstrapStatus(t *testing.T) {
	ready, failed := bootstrapStatus("boot\n[  9.0] cloud-init[1]: " + ReadyMarker + "\r\n")
	assert.True(t, ready)
	assert.False(t, failed)

	ready, failed = bootstrapStatus("evidence-bootstrap: waiting\n")
	assert.False(t, ready)
	assert.False(t, failed)

	_, failed = bootstrapStatus(FailedMarker)
	assert.True(t, failed)
}
