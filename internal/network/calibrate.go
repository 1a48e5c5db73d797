package network

import "fmt"

// CalibrationResult is the outcome of a one-shot bandwidth probe, expressed
// in the units RateLimiter.SetLimit expects (bytes/sec) rather than the
// Mbps the raw speed test reports in.
type CalibrationResult struct {
	DownloadBytesPerSec int
	UploadBytesPerSec   int
	Raw                 *SpeedTestResult
}

// Calibrate runs a one-shot speed test and converts its result into a
// suggested global rate limit, seeding RateLimiter's default capacity so a
// fresh install doesn't start out either unlimited (risking saturating a
// slow link) or arbitrarily capped.
func Calibrate() (*CalibrationResult, error) {
	return CalibrateWithEvents(nil)
}

// CalibrateWithEvents is Calibrate with progress callbacks, for a CLI
// progress bar.
func CalibrateWithEvents(onPhase PhaseCallback) (*CalibrationResult, error) {
	result, err := RunSpeedTestWithEvents(onPhase)
	if err != nil {
		return nil, fmt.Errorf("network: calibrate: %w", err)
	}

	const mbpsToBytesPerSec = 1000 * 1000 / 8
	return &CalibrationResult{
		DownloadBytesPerSec: int(result.DownloadSpeed * mbpsToBytesPerSec),
		UploadBytesPerSec:   int(result.UploadSpeed * mbpsToBytesPerSec),
		Raw:                 result,
	}, nil
}
