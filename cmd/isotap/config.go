package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type appConfig struct {
	backend     string // socketcan|slcan|loop
	canIf       string
	serialDev   string
	baud        int
	tick        time.Duration
	allowIDs    []uint32
	txDL        int
	rewriteSID  string // "from:to" hex pair, empty disables
	logFormat   string
	logLevel    string
	metricsAddr string
	mqttBroker  string
	mqttTopic   string
	mqttClient  string
	secocKeyHex string
	secocTagLen int
}

// fileConfig is the TOML shape; only fields that make sense in a file.
type fileConfig struct {
	Backend     string `toml:"backend"`
	CanIf       string `toml:"can_if"`
	SerialDev   string `toml:"serial_dev"`
	Baud        int    `toml:"baud"`
	Tick        string `toml:"tick"`
	AllowIDs    string `toml:"allow_ids"`
	TxDL        int    `toml:"tx_dl"`
	RewriteSID  string `toml:"rewrite_sid"`
	LogFormat   string `toml:"log_format"`
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`
	MQTTBroker  string `toml:"mqtt_broker"`
	MQTTTopic   string `toml:"mqtt_topic"`
	MQTTClient  string `toml:"mqtt_client_id"`
	SecOCKey    string `toml:"secoc_key"`
	SecOCTagLen int    `toml:"secoc_tag_len"`
}

// parseFlags resolves the configuration with precedence
// flags > environment > config file > defaults.
func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	configPath := flag.String("config", "", "TOML config file path")
	backend := flag.String("backend", "socketcan", "CAN backend: socketcan|slcan|loop")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --backend=slcan)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	tick := flag.Duration("tick", time.Millisecond, "Session step interval")
	allowIDs := flag.String("allow-ids", "", "Comma-separated CAN IDs to intercept (hex, e.g. 0x7E0,0x7E8); empty means all")
	txDL := flag.Int("tx-dl", 8, "Transmit link data length")
	rewriteSID := flag.String("rewrite-sid", "", "Rewrite single-frame service byte, hex pair from:to (e.g. 7F:50); empty disables")
	logFormat := flag.String("log-format", "console", "Log format: console|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g. :9100); empty disables")
	mqttBroker := flag.String("mqtt-broker", "", "MQTT broker URL for PDU mirroring (e.g. tcp://host:1883); empty disables")
	mqttTopic := flag.String("mqtt-topic", "isotap/pdus", "MQTT topic for mirrored PDUs")
	mqttClient := flag.String("mqtt-client-id", "isotap", "MQTT client identifier")
	secocKey := flag.String("secoc-key", "", "AES key for outbound authentication, hex; empty disables")
	secocTagLen := flag.Int("secoc-tag-len", 4, "Truncated MAC length in bytes (1-4)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.tick = *tick
	cfg.txDL = *txDL
	cfg.rewriteSID = *rewriteSID
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.mqttBroker = *mqttBroker
	cfg.mqttTopic = *mqttTopic
	cfg.mqttClient = *mqttClient
	cfg.secocKeyHex = *secocKey
	cfg.secocTagLen = *secocTagLen

	allowSpec := *allowIDs

	if *configPath != "" {
		if err := applyFile(cfg, &allowSpec, *configPath, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, &allowSpec, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}

	ids, err := parseAllowIDs(allowSpec)
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	cfg.allowIDs = ids

	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// applyFile merges a TOML file under anything set explicitly on the command
// line. Env overrides run after and win over the file.
func applyFile(c *appConfig, allowSpec *string, path string, set map[string]struct{}) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return err
	}

	apply := func(flagName string, f func()) {
		if _, ok := set[flagName]; !ok {
			f()
		}
	}
	apply("backend", func() {
		if fc.Backend != "" {
			c.backend = fc.Backend
		}
	})
	apply("can-if", func() {
		if fc.CanIf != "" {
			c.canIf = fc.CanIf
		}
	})
	apply("serial", func() {
		if fc.SerialDev != "" {
			c.serialDev = fc.SerialDev
		}
	})
	apply("baud", func() {
		if fc.Baud > 0 {
			c.baud = fc.Baud
		}
	})
	apply("tick", func() {
		if fc.Tick != "" {
			if d, err := time.ParseDuration(fc.Tick); err == nil && d > 0 {
				c.tick = d
			}
		}
	})
	apply("allow-ids", func() {
		if fc.AllowIDs != "" {
			*allowSpec = fc.AllowIDs
		}
	})
	apply("tx-dl", func() {
		if fc.TxDL > 0 {
			c.txDL = fc.TxDL
		}
	})
	apply("rewrite-sid", func() {
		if fc.RewriteSID != "" {
			c.rewriteSID = fc.RewriteSID
		}
	})
	apply("log-format", func() {
		if fc.LogFormat != "" {
			c.logFormat = fc.LogFormat
		}
	})
	apply("log-level", func() {
		if fc.LogLevel != "" {
			c.logLevel = fc.LogLevel
		}
	})
	apply("metrics-addr", func() {
		if fc.MetricsAddr != "" {
			c.metricsAddr = fc.MetricsAddr
		}
	})
	apply("mqtt-broker", func() {
		if fc.MQTTBroker != "" {
			c.mqttBroker = fc.MQTTBroker
		}
	})
	apply("mqtt-topic", func() {
		if fc.MQTTTopic != "" {
			c.mqttTopic = fc.MQTTTopic
		}
	})
	apply("mqtt-client-id", func() {
		if fc.MQTTClient != "" {
			c.mqttClient = fc.MQTTClient
		}
	})
	apply("secoc-key", func() {
		if fc.SecOCKey != "" {
			c.secocKeyHex = fc.SecOCKey
		}
	})
	apply("secoc-tag-len", func() {
		if fc.SecOCTagLen > 0 {
			c.secocTagLen = fc.SecOCTagLen
		}
	})
	return nil
}

// applyEnvOverrides maps ISOTAP_* environment variables to config fields
// unless the corresponding flag was explicitly set.
func applyEnvOverrides(c *appConfig, allowSpec *string, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) {
		v, ok := os.LookupEnv(k)
		return strings.TrimSpace(v), ok
	}
	if _, ok := set["backend"]; !ok {
		if v, ok := get("ISOTAP_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("ISOTAP_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("ISOTAP_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("ISOTAP_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ISOTAP_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["tick"]; !ok {
		if v, ok := get("ISOTAP_TICK"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.tick = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ISOTAP_TICK: %w", err)
			}
		}
	}
	if _, ok := set["allow-ids"]; !ok {
		if v, ok := get("ISOTAP_ALLOW_IDS"); ok && v != "" {
			*allowSpec = v
		}
	}
	if _, ok := set["tx-dl"]; !ok {
		if v, ok := get("ISOTAP_TX_DL"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.txDL = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ISOTAP_TX_DL: %w", err)
			}
		}
	}
	if _, ok := set["rewrite-sid"]; !ok {
		if v, ok := get("ISOTAP_REWRITE_SID"); ok && v != "" {
			c.rewriteSID = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("ISOTAP_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("ISOTAP_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("ISOTAP_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["mqtt-broker"]; !ok {
		if v, ok := get("ISOTAP_MQTT_BROKER"); ok {
			c.mqttBroker = v
		}
	}
	if _, ok := set["mqtt-topic"]; !ok {
		if v, ok := get("ISOTAP_MQTT_TOPIC"); ok && v != "" {
			c.mqttTopic = v
		}
	}
	if _, ok := set["mqtt-client-id"]; !ok {
		if v, ok := get("ISOTAP_MQTT_CLIENT_ID"); ok && v != "" {
			c.mqttClient = v
		}
	}
	if _, ok := set["secoc-key"]; !ok {
		if v, ok := get("ISOTAP_SECOC_KEY"); ok {
			c.secocKeyHex = v
		}
	}
	if _, ok := set["secoc-tag-len"]; !ok {
		if v, ok := get("ISOTAP_SECOC_TAG_LEN"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.secocTagLen = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ISOTAP_SECOC_TAG_LEN: %w", err)
			}
		}
	}
	return firstErr
}

// parseAllowIDs parses a comma-separated identifier list. Both 0x-prefixed
// and bare hex are accepted.
func parseAllowIDs(spec string) ([]uint32, error) {
	if spec == "" {
		return nil, nil
	}
	var ids []uint32
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		part = strings.TrimPrefix(strings.ToLower(part), "0x")
		id, err := strconv.ParseUint(part, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid CAN ID %q: %w", part, err)
		}
		if id > 0x1FFFFFFF {
			return nil, fmt.Errorf("CAN ID %#x out of range", id)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

// parseRewriteSID splits a "from:to" hex pair.
func parseRewriteSID(spec string) (from, to byte, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("rewrite-sid must be from:to, got %q", spec)
	}
	f, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(parts[0]), "0x"), 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rewrite-sid source: %w", err)
	}
	t, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(parts[1]), "0x"), 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rewrite-sid target: %w", err)
	}
	return byte(f), byte(t), nil
}

// validate performs semantic checks only; devices and listeners are opened
// later.
func (c *appConfig) validate() error {
	switch c.backend {
	case "socketcan", "slcan", "loop":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.logFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.tick <= 0 {
		return fmt.Errorf("tick must be > 0")
	}
	if c.txDL < 8 || c.txDL > 255 {
		return fmt.Errorf("tx-dl must be within 8..255 (got %d)", c.txDL)
	}
	if c.rewriteSID != "" {
		if _, _, err := parseRewriteSID(c.rewriteSID); err != nil {
			return err
		}
	}
	if c.secocKeyHex != "" {
		key, err := hex.DecodeString(c.secocKeyHex)
		if err != nil {
			return fmt.Errorf("invalid secoc-key: %w", err)
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("secoc-key must be 16, 24 or 32 bytes (got %d)", len(key))
		}
		if c.secocTagLen < 1 || c.secocTagLen > 4 {
			return fmt.Errorf("secoc-tag-len must be within 1..4 (got %d)", c.secocTagLen)
		}
	}
	return nil
}
