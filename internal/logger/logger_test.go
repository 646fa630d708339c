package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/timebeat-ssh/internal/config"
)

func TestOutputs(t *testing.T) {
	tests := []struct {
		name        string
		output      []string
		wantFile    bool
		wantConsole bool
	}{
		{"file only", []string{"file"}, true, false},
		{"stdout only", []string{"stdout"}, false, true},
		{"console alias", []string{"console"}, false, true},
		{"both keyword", []string{"both"}, true, true},
		{"explicit both", []string{"file", "stdout"}, true, true},
		{"none", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Logging.Output = tt.output

			file, console := outputs(cfg)
			assert.Equal(t, tt.wantFile, file)
			assert.Equal(t, tt.wantConsole, console)
		})
	}
}

func TestGetLogger_Fallback(t *testing.T) {
	InitLogger(nil)
	assert.NotNil(t, GetLogger())
}
