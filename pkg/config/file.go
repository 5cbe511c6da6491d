package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads configuration values from a .conf file.
// Format: key = value (one per line, # for comments). A missing file yields
// no values.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file values to cfg.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := SetValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// SetValue sets one config value by its conf key. Unknown keys are ignored.
func SetValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "network":
		cfg.Network = NetworkType(value)
	case "refresh.interval":
		cfg.RefreshInterval, err = time.ParseDuration(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	// Server
	case "server.addr":
		cfg.Server.Addr = value
	case "server.port":
		cfg.Server.Port, err = strconv.Atoi(value)
	case "server.cors":
		cfg.Server.CORSOrigins = parseStringList(value)

	// Cache
	case "cache.backend":
		cfg.Cache.Backend = strings.ToLower(value)
	case "cache.redis.addr":
		cfg.Cache.RedisAddr = value
	case "cache.redis.password":
		cfg.Cache.RedisPassword = value
	case "cache.redis.db":
		cfg.Cache.RedisDB, err = strconv.Atoi(value)
	case "cache.redis.prefix":
		cfg.Cache.RedisPrefix = value

	// Circuit breakers
	case "breaker.failures":
		cfg.Breaker.FailureThreshold, err = strconv.Atoi(value)
	case "breaker.successes":
		cfg.Breaker.SuccessThreshold, err = strconv.Atoi(value)
	case "breaker.reset":
		cfg.Breaker.ResetTimeout, err = time.ParseDuration(value)
	case "breaker.timeout":
		cfg.Breaker.RequestTimeout, err = time.ParseDuration(value)
	case "breaker.window":
		cfg.Breaker.MonitoringWindow, err = time.ParseDuration(value)

	// Fees
	case "fees.providers":
		cfg.Fees.Providers = parseStringList(strings.ToLower(value))
	case "fees.mempool.url":
		cfg.Fees.MempoolURL = value
	case "fees.esplora.url":
		cfg.Fees.EsploraURL = value
	case "fees.ttl":
		cfg.Fees.TTL, err = time.ParseDuration(value)
	case "fees.min":
		cfg.Fees.MinRate, err = strconv.ParseFloat(value, 64)
	case "fees.max":
		cfg.Fees.MaxRate, err = strconv.ParseFloat(value, 64)
	case "fees.attempts":
		cfg.Fees.Attempts, err = strconv.Atoi(value)
	case "fees.retry":
		cfg.Fees.RetryDelay, err = time.ParseDuration(value)
	case "fees.node.host":
		cfg.Fees.Node.Host = value
	case "fees.node.user":
		cfg.Fees.Node.User = value
	case "fees.node.pass":
		cfg.Fees.Node.Pass = value
	case "fees.node.tls":
		cfg.Fees.Node.TLS = parseBool(value)
	case "fees.node.target":
		cfg.Fees.Node.ConfTarget, err = strconv.Atoi(value)
	case "fees.node.mode":
		cfg.Fees.Node.Mode = strings.ToLower(value)

	// Price
	case "price.providers":
		cfg.Price.Providers = parseStringList(strings.ToLower(value))
	case "price.coingecko.url":
		cfg.Price.CoinGeckoURL = value
	case "price.binance.url":
		cfg.Price.BinanceURL = value
	case "price.coinpaprika.url":
		cfg.Price.CoinpaprikaURL = value
	case "price.ttl":
		cfg.Price.TTL, err = time.ParseDuration(value)
	case "price.static":
		cfg.Price.StaticPrice, err = strconv.ParseFloat(value, 64)
	case "price.attempts":
		cfg.Price.Attempts, err = strconv.Atoi(value)
	case "price.retry":
		cfg.Price.RetryDelay, err = time.ParseDuration(value)

	// Broadcast
	case "broadcast.endpoints":
		cfg.Broadcast.Endpoints, err = ParseEndpoints(value)
	case "broadcast.timeout":
		cfg.Broadcast.Timeout, err = time.ParseDuration(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// ParseEndpoints parses a comma-separated list of name|format|url.
func ParseEndpoints(s string) ([]EndpointConfig, error) {
	items := parseStringList(s)
	out := make([]EndpointConfig, 0, len(items))
	for _, item := range items {
		parts := strings.SplitN(item, "|", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("endpoint %q: expected name|format|url", item)
		}
		out = append(out, EndpointConfig{
			Name:   strings.TrimSpace(parts[0]),
			Format: strings.ToLower(strings.TrimSpace(parts[1])),
			URL:    strings.TrimSpace(parts[2]),
		})
	}
	return out, nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
