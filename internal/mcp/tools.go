package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all benchmark tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerReport(s, client)
	registerHealth(s, client)
	registerPeers(s, client)
	registerStop(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("availbench_status",
		gomcp.WithDescription("Get current benchmark progress: run state, current block, recoveries, bytes recovered, overruns, recovery latency."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark unreachable: %v\n\nIs availbench running?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerReport(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("availbench_report",
		gomcp.WithDescription("Get the final report of a finished run: throughput per block, block times, CPU split between recovery engine and harness, network bytes, verification."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/report")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Report not available: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatReport(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("availbench_health",
		gomcp.WithDescription("Quick health check for the benchmark. Checks that the test environment is up."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerPeers(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("availbench_peers",
		gomcp.WithDescription("List emulated validator links by bytes served, busiest first."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max peers to return (default 20, max 1000)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/peers?limit=%d", limit))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to get peers: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatPeers(raw)), nil
	})
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("availbench_stop",
		gomcp.WithDescription("Interrupt the running benchmark. This is a MUTATING operation. The partial report stays available."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		_, err := client.Post(ctx, "/v1/stop", nil)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to stop run: %v", err)), nil
		}
		return gomcp.NewToolResultText("Run interrupted."), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	status := newBlock("Benchmark Status").
		kv("Run", getStr(m, "runId")).
		kv("Status", getStr(m, "status")).
		kvIf("Init Phase", getStr(m, "initPhase")).
		kv("Block", fmt.Sprintf("%s / %s", formatNumber(getNum(m, "currentBlock")), formatNumber(getNum(m, "totalBlocks")))).
		kv("Recoveries", formatNumber(getNum(m, "recoveries"))).
		kv("Bytes Recovered", formatBytes(getNum(m, "bytesRecovered"))).
		kv("Overruns", formatNumber(getNum(m, "overruns"))).
		kv("Elapsed", formatSeconds(getNum(m, "elapsedMs"))).
		kvIf("Error", getStr(m, "error"))

	var last *block
	if lb, ok := m["lastBlock"].(map[string]any); ok {
		last = newBlock("Last Block").
			kv("Busy", formatMs(getNum(lb, "busyMs"))).
			kv("Slept", formatMs(getNum(lb, "sleptMs"))).
			kv("Bytes", formatBytes(getNum(lb, "bytesRecovered")))
	}

	return sections(status, last, latencyBlock(m))
}

// latencyBlock renders the "latency" object of m, or nil when absent.
func latencyBlock(m map[string]any) *block {
	lat, ok := m["latency"].(map[string]any)
	if !ok {
		return nil
	}
	return newBlock("Recovery Latency").
		kv("Min", formatMs(getNum(lat, "min"))).
		kv("P50", formatMs(getNum(lat, "p50"))).
		kv("P95", formatMs(getNum(lat, "p95"))).
		kv("P99", formatMs(getNum(lat, "p99"))).
		kv("Max", formatMs(getNum(lat, "max")))
}

func formatReport(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing report: %v", err)
	}

	blocks, _ := m["blocks"].([]any)
	overruns := getNum(m, "overruns")
	overrunPct := 0.0
	if len(blocks) > 0 {
		overrunPct = overruns / float64(len(blocks)) * 100
	}

	title := "Run Report: " + getStr(m, "id")
	if aborted, _ := m["aborted"].(bool); aborted {
		title += " (aborted)"
	}

	report := newBlock(title).
		kv("Elapsed", formatSeconds(getNum(m, "elapsedMs"))).
		kv("Blocks", formatNumber(len(blocks))).
		kv("Recoveries", formatNumber(getNum(m, "recoveries"))).
		kv("Bytes Recovered", formatBytes(getNum(m, "bytesRecovered"))).
		kv("Throughput", fmt.Sprintf("%.1f KiB/block", getNum(m, "throughputKiBPerBlock"))).
		kv("Avg Block Time", formatMs(getNum(m, "avgBlockTimeMs"))).
		kv("Overruns", fmt.Sprintf("%s (%s)", formatNumber(overruns), formatPct(overrunPct))).
		kv("Network Received", formatBytes(getNum(m, "networkBytesReceived"))).
		kv("Engine CPU", fmt.Sprintf("%.3fs", getNum(m, "engineCpuSeconds"))).
		kv("Harness CPU", fmt.Sprintf("%.3fs", getNum(m, "harnessCpuSeconds"))).
		kvIf("Error", getStr(m, "error"))

	var verify *block
	if v, ok := m["verification"].(map[string]any); ok {
		pass, _ := v["allChecksPass"].(bool)
		verify = newBlock("Verification").
			kv("All Checks Pass", pass).
			kv("Network Ratio", fmt.Sprintf("%.2fx", getNum(v, "networkRatio")))
		warnings, _ := v["warnings"].([]any)
		for _, w := range warnings {
			verify.item("- %v", w)
		}
	}

	return sections(report, latencyBlock(m), verify)
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	health := newBlock("Health").kv("Ready", ready)

	checks, _ := m["checks"].([]any)
	for _, c := range checks {
		check, ok := c.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("%s: %s", getStr(check, "name"), getStr(check, "status"))
		if errMsg := getStr(check, "error"); errMsg != "" {
			line += " - " + errMsg
		}
		health.item("%s", line)
	}

	return health.String()
}

func formatPeers(raw json.RawMessage) string {
	var peers []map[string]any
	if err := json.Unmarshal(raw, &peers); err != nil {
		return fmt.Sprintf("Error parsing peers: %v", err)
	}
	if len(peers) == 0 {
		return "No peers."
	}

	b := newBlock("Peers")
	for _, p := range peers {
		b.item("[%d] sent=%s requests=%s lost=%s",
			int64(getNum(p, "peer")),
			formatBytes(getNum(p, "txBytes")),
			formatNumber(getNum(p, "requests")),
			formatNumber(getNum(p, "lost")),
		)
	}
	return b.String()
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
