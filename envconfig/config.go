package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("SWARM_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// KvCacheType is the storage type of the kv cache. Empty or "auto" picks the model's dtype.
	KvCacheType = String("SWARM_KV_CACHE_TYPE")
	// GraphCapture enables capture and replay of single token decode steps.
	GraphCapture = BoolWithDefault("SWARM_GRAPH_CAPTURE")
	// VerifyHeads checks that collapsed kv head groups are identical even when debug logging is off.
	VerifyHeads = Bool("SWARM_VERIFY_HEADS")
)

var (
	// MaxLength is the default number of positions a session may hold.
	MaxLength = Uint("SWARM_MAX_LENGTH", 2048)
	// NumParallel is the maximum number of concurrently open sessions.
	NumParallel = Uint("SWARM_NUM_PARALLEL", 1)
	// GraphWarmup is the number of direct executions before a graph is captured.
	GraphWarmup = Uint("SWARM_GRAPH_WARMUP", 3)
	// Lookahead is the number of tokens proposed per speculative round.
	Lookahead = Uint("SWARM_SPECULATIVE_LOOKAHEAD", 10)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SWARM_DEBUG":                 {"SWARM_DEBUG", LogLevel(), "Show additional debug information (e.g. SWARM_DEBUG=1)"},
		"SWARM_KV_CACHE_TYPE":         {"SWARM_KV_CACHE_TYPE", KvCacheType(), "KV cache storage type (f32, f16, bf16 or auto)"},
		"SWARM_GRAPH_CAPTURE":         {"SWARM_GRAPH_CAPTURE", GraphCapture(true), "Capture and replay single token decode steps (default true)"},
		"SWARM_VERIFY_HEADS":          {"SWARM_VERIFY_HEADS", VerifyHeads(), "Verify kv head groups when collapsing cache entries"},
		"SWARM_GRAPH_WARMUP":          {"SWARM_GRAPH_WARMUP", GraphWarmup(), "Direct executions before capturing a decode graph (default 3)"},
		"SWARM_MAX_LENGTH":            {"SWARM_MAX_LENGTH", MaxLength(), "Default maximum session length (default 2048)"},
		"SWARM_NUM_PARALLEL":          {"SWARM_NUM_PARALLEL", NumParallel(), "Maximum number of concurrently open sessions (default 1)"},
		"SWARM_SPECULATIVE_LOOKAHEAD": {"SWARM_SPECULATIVE_LOOKAHEAD", Lookahead(), "Tokens proposed per speculative round (default 10)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}

	return vals
}
