// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAETitle(t *testing.T) {
	assert.NoError(t, ValidateAETitle("PETFECTIOR"))
	assert.NoError(t, ValidateAETitle("PET-WS_1.0"))
	assert.Error(t, ValidateAETitle(""))
	assert.Error(t, ValidateAETitle("THIS_TITLE_IS_TOO_LONG"))
	assert.Error(t, ValidateAETitle("BAD\\TITLE"))
}

func TestSanitizeAETitle(t *testing.T) {
	got, err := SanitizeAETitle("SCANNER1        ")
	require.NoError(t, err)
	assert.Equal(t, "SCANNER1", got)

	_, err = SanitizeAETitle("                ")
	assert.Error(t, err)
}

func TestValidateUID(t *testing.T) {
	assert.NoError(t, ValidateUID("1.2.840.10008.5.1.4.1.1.128"))
	assert.Error(t, ValidateUID(""))
	assert.Error(t, ValidateUID("1.2.840/../../etc"))
	assert.Error(t, ValidateUID("1.2.840.10008.5.1.4.1.1.128.999999999999999999999999999999999999999999999999999999999999"))
}

func TestValidateIPv4(t *testing.T) {
	assert.NoError(t, ValidateIPv4("10.1.1.1"))
	assert.Error(t, ValidateIPv4("10.1.1"))
	assert.Error(t, ValidateIPv4("fe80::1"))
	assert.Error(t, ValidateIPv4("scanner.local"))
}
