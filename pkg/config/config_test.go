package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	valid bool
}

func (s *sample) Validate() error {
	if s.Port == 0 {
		return errors.New("port required")
	}
	s.valid = true
	return nil
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "vault")
	path := writeFile(t, "name: ${SAMPLE_NAME}\n")

	s := sample{Port: 8080}
	if err := Load(path, &s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "vault" || s.Port != 8080 || !s.valid {
		t.Errorf("loaded = %+v", s)
	}
}

func TestLoadValidationError(t *testing.T) {
	path := writeFile(t, "name: x\n")
	err := Load(path, &sample{})
	if err == nil || !strings.Contains(err.Error(), "port required") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	s := sample{Port: 1}
	read, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"), &s)
	if err != nil || read {
		t.Fatalf("read = %v, err = %v", read, err)
	}
	if !s.valid {
		t.Error("defaults were not validated")
	}

	if _, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"), &sample{}); err == nil {
		t.Error("invalid defaults should fail")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeFile(t, "name: [unterminated\n")
	if err := Load(path, &sample{Port: 1}); err == nil {
		t.Fatal("expected parse error")
	}
}
