package provisioner

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/retry"
)

const (
	// ReadyMarker is printed to the console once bootstrap succeeded.
	ReadyMarker = "EVIDENCE-BOOTSTRAP-READY"
	// FailedMarker is printed to the console when bootstrap gave up.
	FailedMarker = "EVIDENCE-BOOTSTRAP-FAILED"
)

// DefaultPackages is the tool set installed on analysis instances.
var DefaultPackages = []string{
	"binutils",
	"dc3dd",
	"ewf-tools",
	"jq",
	"plaso",
	"sleuthkit",
	"upx-ucl",
	"xmount",
}

var (
	packageNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.+:_-]*$`)
	usernameRe    = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
)

var bootstrapTemplate = template.Must(template.New("bootstrap").Parse(`#!/bin/bash
set -u

log() {
  echo "evidence-bootstrap: $*"
  echo "evidence-bootstrap: $*" > /dev/console 2>/dev/null || true
}

finish() {
  echo "$1"
  echo "$1" > /dev/console 2>/dev/null || true
}

fail() {
  log "$1"
  finish "{{.FailedMarker}}"
  exit 1
}
{{if .AuthorizedKey}}
id -u {{.Username}} >/dev/null 2>&1 || useradd -m -s /bin/bash {{.Username}} || fail "cannot create user {{.Username}}"
install -d -m 700 -o {{.Username}} -g {{.Username}} /home/{{.Username}}/.ssh || fail "cannot create ssh directory"
echo '{{.AuthorizedKey}}' >> /home/{{.Username}}/.ssh/authorized_keys
chown {{.Username}}:{{.Username}} /home/{{.Username}}/.ssh/authorized_keys
chmod 600 /home/{{.Username}}/.ssh/authorized_keys
{{end}}
install_tools() {
{{- if .Override}}
  cat > /var/tmp/evidence-startup.sh <<'{{.Delimiter}}'
{{.Override}}
{{.Delimiter}}
  bash /var/tmp/evidence-startup.sh
{{- else}}
  export DEBIAN_FRONTEND=noninteractive
  apt-get update -q && apt-get install -q -y{{range .Packages}} {{.}}{{end}}
{{- end}}
}

attempt=1
until install_tools; do
  if [ "$attempt" -ge {{.Attempts}} ]; then
    fail "tool installation failed after $attempt attempts"
  fi
  log "tool installation attempt $attempt failed, retrying in {{.DelaySeconds}}s"
  attempt=$((attempt + 1))
  sleep {{.DelaySeconds}}
done

finish "{{.ReadyMarker}}"
`))

// BootstrapOptions parameterizes the bootstrap script.
type BootstrapOptions struct {
	Username      string
	AuthorizedKey string
	Packages      []string
	// Override replaces package installation with a caller supplied script.
	// It is still retried and followed by the markers.
	Override string
	// Policy bounds the installation attempts. Defaults to retry.Bootstrap.
	Policy retry.Policy
}

// RenderBootstrap renders the first boot script.
func RenderBootstrap(opts BootstrapOptions) (string, error) {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Bootstrap
	}
	if len(opts.Packages) == 0 {
		opts.Packages = DefaultPackages
	}
	for _, pkg := range opts.Packages {
		if !packageNameRe.MatchString(pkg) {
			return "", fmt.Errorf("%w: invalid package name %q", interfaces.ErrInvalidRequest, pkg)
		}
	}
	if opts.AuthorizedKey != "" {
		if !usernameRe.MatchString(opts.Username) {
			return "", fmt.Errorf("%w: invalid username %q", interfaces.ErrInvalidRequest, opts.Username)
		}
		if strings.ContainsAny(opts.AuthorizedKey, "'\n") {
			return "", fmt.Errorf("%w: invalid authorized key", interfaces.ErrInvalidRequest)
		}
	}

	delimiter := "EVIDENCE_STARTUP_SCRIPT"
	for strings.Contains(opts.Override, delimiter) {
		delimiter += "_END"
	}

	delay := int(opts.Policy.BaseDelay.Seconds())
	if delay < 1 {
		delay = 1
	}

	var buf bytes.Buffer
	err := bootstrapTemplate.Execute(&buf, map[string]any{
		"Username":      opts.Username,
		"AuthorizedKey": opts.AuthorizedKey,
		"Packages":      opts.Packages,
		"Override":      strings.TrimRight(opts.Override, "\n"),
		"Delimiter":     delimiter,
		"Attempts":      opts.Policy.MaxAttempts,
		"DelaySeconds":  delay,
		"ReadyMarker":   ReadyMarker,
		"FailedMarker":  FailedMarker,
	})
	if err != nil {
		return "", fmt.Errorf("rendering bootstrap script: %w", err)
	}
	return buf.String(), nil
}

// bootstrapStatus scans console output for the bootstrap markers. Console
// lines may carry a timestamp or cloud-init prefix.
func bootstrapStatus(console string) (ready, failed bool) {
	for _, line := range strings.Split(console, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasSuffix(line, ReadyMarker):
			ready = true
		case strings.HasSuffix(line, FailedMarker):
			failed = true
		}
	}
	return ready, failed
}
