package protocol

// Message kinds. The wire strings are load-bearing: both ends of the channel
// dispatch on them, so they never change even when the Go names do.
const (
	// Session lifecycle.
	KindSessionConnected = "TestSession.Connected"
	KindSessionEnd       = "TestSession.Terminate"
	KindTestMessage      = "TestSession.Message"

	// Handshake. The first reply is a bare JSON integer, not an object; see
	// the dispatcher for why that shape is frozen.
	KindVersionCheck = "ProtocolVersion"

	// Extension initialization.
	KindExtensionsInitialize = "Extensions.Initialize"

	// Discovery.
	KindStartDiscovery     = "TestDiscovery.Start"
	KindDiscoveryTestFound = "TestDiscovery.TestFound"
	KindDiscoveryComplete  = "TestDiscovery.Completed"
	KindCancelDiscovery    = "TestDiscovery.Cancel"

	// Execution with the default host.
	KindRunAllWithDefaultHost      = "TestExecution.RunAllWithDefaultHost"
	KindRunSelectedWithDefaultHost = "TestExecution.RunSelectedWithDefaultHost"

	// Execution via a custom host: the host asks the controller for the
	// runner start info and requests the launch itself.
	KindGetRunnerStartInfoForRunAll      = "TestExecution.GetTestRunnerProcessStartInfoForRunAll"
	KindGetRunnerStartInfoForRunSelected = "TestExecution.GetTestRunnerProcessStartInfoForRunSelected"
	KindCustomHostLaunch                 = "TestExecution.CustomTestHostLaunch"
	KindCustomHostLaunchCallback         = "TestExecution.CustomTestHostLaunchCallback"

	// Execution progress and termination.
	KindRunStatsChange    = "TestExecution.StatsChange"
	KindExecutionComplete = "TestExecution.Completed"
	KindCancelTestRun     = "TestExecution.Cancel"
	KindAbortTestRun      = "TestExecution.Abort"
)
