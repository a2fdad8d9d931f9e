package envconfig

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
)

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

func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

var (
	// NumThreads is the number of worker goroutines used for tensor math.
	// Zero means one per CPU core. Configurable via CHROMAGEN_NUM_THREADS.
	NumThreads = Uint("CHROMAGEN_NUM_THREADS", 0)

	// ColorBits is the default histogram depth in bits per channel.
	// Configurable via CHROMAGEN_COLOR_BITS.
	ColorBits = Uint("CHROMAGEN_COLOR_BITS", 8)

	// NoMetrics disables the per-step metrics database during training.
	// Configurable via CHROMAGEN_NOMETRICS.
	NoMetrics = Bool("CHROMAGEN_NOMETRICS")
)

// EnvVar describes a configuration variable for help output.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every configuration variable with its current value
// and description.
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"CHROMAGEN_DEBUG":        {"CHROMAGEN_DEBUG", LogLevel(), "Show additional debug information (e.g. CHROMAGEN_DEBUG=1)"},
		"CHROMAGEN_HOST":         {"CHROMAGEN_HOST", Host(), "IP Address for the chromagen server (default 127.0.0.1:11941)"},
		"CHROMAGEN_ORIGINS":      {"CHROMAGEN_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"CHROMAGEN_MODELS":       {"CHROMAGEN_MODELS", Models(), "The path to the model weights directory"},
		"CHROMAGEN_RUNS":         {"CHROMAGEN_RUNS", Runs(), "The path to the training runs directory"},
		"CHROMAGEN_NUM_THREADS":  {"CHROMAGEN_NUM_THREADS", NumThreads(), "Number of worker goroutines for tensor math (default: all cores)"},
		"CHROMAGEN_COLOR_BITS":   {"CHROMAGEN_COLOR_BITS", ColorBits(), "Histogram depth in bits per channel (default 8)"},
		"CHROMAGEN_NOMETRICS":    {"CHROMAGEN_NOMETRICS", NoMetrics(), "Do not record training metrics to the run database"},

		"HTTP_PROXY":  {"HTTP_PROXY", String("HTTP_PROXY")(), "HTTP proxy"},
		"HTTPS_PROXY": {"HTTPS_PROXY", String("HTTPS_PROXY")(), "HTTPS proxy"},
		"NO_PROXY":    {"NO_PROXY", String("NO_PROXY")(), "No proxy"},
	}

	if runtime.GOOS != "windows" {
		ret["http_proxy"] = EnvVar{"http_proxy", String("http_proxy")(), "HTTP proxy"}
		ret["https_proxy"] = EnvVar{"https_proxy", String("https_proxy")(), "HTTPS proxy"}
		ret["no_proxy"] = EnvVar{"no_proxy", String("no_proxy")(), "No proxy"}
	}

	return ret
}

// Values returns every configuration value as a string keyed by name.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
