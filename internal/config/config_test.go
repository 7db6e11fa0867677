package config

import "testing"

func validConfig() *Config {
	return &Config{
		IngestAddr:         ":8000",
		FeedAddr:           ":8001",
		HTTPAddr:           ":8002",
		IngestCPURejectPct: 85,
		PreHelloBacklog:    10,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateRejectsMissingAddr(t *testing.T) {
	c := validConfig()
	c.FeedAddr = ""
	if err := c.Validate(); err == nil {
		t.Error("Validate() should reject an empty listen address")
	}
}

func TestValidateRejectsOutOfRangeCPUThreshold(t *testing.T) {
	c := validConfig()
	c.IngestCPURejectPct = 150
	if err := c.Validate(); err == nil {
		t.Error("Validate() should reject a CPU threshold above 100")
	}
}

func TestValidateRejectsZeroBacklog(t *testing.T) {
	c := validConfig()
	c.PreHelloBacklog = 0
	if err := c.Validate(); err == nil {
		t.Error("Validate() should reject a non-positive PreHelloBacklog")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Error("Validate() should reject an unrecognized log level")
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	c := validConfig()
	c.LogFormat = "xml"
	if err := c.Validate(); err == nil {
		t.Error("Validate() should reject an unrecognized log format")
	}
}
