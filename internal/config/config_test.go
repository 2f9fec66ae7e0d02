package config

import (
	"fmt"
	"os"
	"testing"
)

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	_ = os.Chdir(dir)
	defer func() { _ = os.Chdir(wd) }()

	initialized = false
	config, err := ReadConfig()
	if err == nil {
		t.Fatal("expected error on first run, config.json did not exist yet")
	}
	fmt.Printf("%+v\n", config)

	initialized = false
	config, err = ReadConfig()
	if err != nil {
		t.Fatalf("expected second read to succeed, got %v", err)
	}
	if config.MaxPublishRequestInQueue != 100 {
		t.Errorf("expected default MaxPublishRequestInQueue=100, got %d", config.MaxPublishRequestInQueue)
	}
	if config.TickInterval != "100ms" {
		t.Errorf("expected default TickInterval=100ms, got %s", config.TickInterval)
	}
}
