package network

import (
	"context"
	"fmt"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// SpeedTestResult is a single bandwidth probe result. It carries the
// measurements storage.SpeedTestHistory stores, plus ServerHost, which that
// model has no column for; persisting a probe copies the fields across one
// by one.
type SpeedTestResult struct {
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	ServerHost     string  `json:"server_host"`
	ISP            string  `json:"isp"`
	Timestamp      string  `json:"timestamp"`
}

// SpeedTestPhase is emitted to a PhaseCallback as a probe advances, so a CLI
// command can show progress instead of blocking silently for the whole
// probe duration.
type SpeedTestPhase struct {
	Phase        string
	PingMs       int64
	DownloadMbps float64
	UploadMbps   float64
	ServerName   string
	ISP          string
}

type PhaseCallback func(phase SpeedTestPhase)

// RunSpeedTest probes the nearest reachable speedtest.net server and reports
// download/upload throughput plus latency. It is the fallback vehicle
// calibrate uses to derive a global rate limit before any history exists.
func RunSpeedTest() (*SpeedTestResult, error) {
	return RunSpeedTestWithEvents(nil)
}

// RunSpeedTestWithEvents is RunSpeedTest with phase progress callbacks.
func RunSpeedTestWithEvents(onPhase PhaseCallback) (*SpeedTestResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	emit := func(p SpeedTestPhase) {
		if onPhase != nil {
			onPhase(p)
		}
	}

	emit(SpeedTestPhase{Phase: "connecting"})

	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return nil, fmt.Errorf("network: no internet connection: %w", err)
	}

	serverList, err := speedtest.FetchServers()
	if err != nil {
		return nil, fmt.Errorf("network: fetch speed test servers: %w", err)
	}

	targets, err := serverList.FindServer([]int{})
	if err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("network: no speed test servers available")
	}
	server := targets[0]

	emit(SpeedTestPhase{Phase: "ping", ServerName: server.Name, ISP: user.Isp})

	if err := server.PingTestContext(ctx, nil); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("network: speed test timed out during ping: %w", err)
		}
		return nil, fmt.Errorf("network: ping test failed: %w", err)
	}
	pingMs := int64(server.Latency.Milliseconds())

	emit(SpeedTestPhase{Phase: "download", PingMs: pingMs, ServerName: server.Name, ISP: user.Isp})

	if err := server.DownloadTestContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("network: speed test timed out during download: %w", err)
		}
		return nil, fmt.Errorf("network: download test failed: %w", err)
	}
	downloadMbps := float64(server.DLSpeed) / 1000 / 1000 * 8

	emit(SpeedTestPhase{
		Phase: "upload", PingMs: pingMs, DownloadMbps: downloadMbps,
		ServerName: server.Name, ISP: user.Isp,
	})

	if err := server.UploadTestContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("network: speed test timed out during upload: %w", err)
		}
		return nil, fmt.Errorf("network: upload test failed: %w", err)
	}
	uploadMbps := float64(server.ULSpeed) / 1000 / 1000 * 8

	result := &SpeedTestResult{
		DownloadSpeed:  downloadMbps,
		UploadSpeed:    uploadMbps,
		Ping:           pingMs,
		Jitter:         int64(server.Jitter.Milliseconds()),
		ServerName:     server.Name,
		ServerLocation: fmt.Sprintf("%s, %s", server.Name, server.Country),
		ServerHost:     server.Host,
		ISP:            user.Isp,
		Timestamp:      time.Now().Format(time.RFC3339),
	}

	emit(SpeedTestPhase{
		Phase: "complete", PingMs: pingMs, DownloadMbps: downloadMbps,
		UploadMbps: uploadMbps, ServerName: server.Name, ISP: user.Isp,
	})

	return result, nil
}
