// Package provisioner starts disposable analysis instances with evidence
// volumes attached.
//
// StartAnalysisInstance returns as soon as the instance is requested. The
// instance runs a bootstrap script on first boot that installs the tool
// package set and prints one of two markers to the console:
//
//	EVIDENCE-BOOTSTRAP-READY
//	EVIDENCE-BOOTSTRAP-FAILED
//
// WaitReady polls the instance state and console output for those markers.
// A WaitReady timeout leaves the instance running; the caller decides
// whether to wait again or call Teardown.
package provisioner
