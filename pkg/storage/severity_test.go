// Copyright (c) OpenMMLab. All rights reserved.

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    int32
		wantErr bool
	}{
		{in: "", want: SeverityInfo},
		{in: "warning", want: SeverityWarning},
		{in: "ERROR", want: SeverityError},
		{in: "3", want: SeverityCritical},
		{in: "7", wantErr: true},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeverity(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeverityName(t *testing.T) {
	assert.Equal(t, "CRITICAL", SeverityName(SeverityCritical))
	assert.Equal(t, "9", SeverityName(9))
}
