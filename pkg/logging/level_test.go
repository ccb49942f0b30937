package logging

import (
	"testing"
)

// TestNameToLevel tests NameToLevel.
func TestNameToLevel(t *testing.T) {
	testCases := []struct {
		name     string
		expected Level
		valid    bool
	}{
		{"disabled", LevelDisabled, true},
		{"critical", LevelCritical, true},
		{"error", LevelError, true},
		{"warning", LevelWarning, true},
		{"warn", LevelWarning, true},
		{"info", LevelInfo, true},
		{"debug", LevelDebug, true},
		{"trace", LevelDisabled, false},
		{"", LevelDisabled, false},
	}
	for _, testCase := range testCases {
		level, valid := NameToLevel(testCase.name)
		if valid != testCase.valid {
			t.Errorf("validity mismatch for %q: %t != %t", testCase.name, valid, testCase.valid)
		}
		if level != testCase.expected {
			t.Errorf("level mismatch for %q: %s != %s", testCase.name, level, testCase.expected)
		}
	}
}

// TestLevelOrdering verifies that levels are ordered by verbosity.
func TestLevelOrdering(t *testing.T) {
	ordered := []Level{LevelDisabled, LevelCritical, LevelError, LevelWarning, LevelInfo, LevelDebug}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1] >= ordered[i] {
			t.Errorf("level %s not less verbose than %s", ordered[i-1], ordered[i])
		}
	}
}
