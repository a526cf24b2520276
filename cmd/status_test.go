package cmd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"dagstack/internal/state"
)

func TestReadFailureRemedy_CorruptNamesNextStep(t *testing.T) {
	err := fmt.Errorf("%w: invalid character 'n'", state.ErrCorrupt)

	remedy := readFailureRemedy(err)
	assert.Contains(t, remedy, "backup")
	assert.Contains(t, remedy, "dagstack install")
}

func TestReadFailureRemedy_IncompatibleNamesUpgrade(t *testing.T) {
	err := fmt.Errorf("%w: record version 2.0.0, supported ^1", state.ErrIncompatible)

	remedy := readFailureRemedy(err)
	assert.Contains(t, remedy, "Upgrade dagstack")
}
