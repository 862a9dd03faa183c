package machine

import (
	"reflect"
	"testing"
)

func TestParseExportEnv(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]string
	}{
		{
			name: "typical docker-machine env output",
			in: `export DOCKER_TLS_VERIFY="1"
export DOCKER_HOST="tcp://192.168.99.100:2376"
export DOCKER_CERT_PATH="/home/user/.docker/machine/machines/box"
export DOCKER_MACHINE_NAME="box"
# Run this command to configure your shell:
# eval $(docker-machine env box)`,
			want: map[string]string{
				"DOCKER_TLS_VERIFY":   "1",
				"DOCKER_HOST":         "tcp://192.168.99.100:2376",
				"DOCKER_CERT_PATH":    "/home/user/.docker/machine/machines/box",
				"DOCKER_MACHINE_NAME": "box",
			},
		},
		{
			name: "unquoted value",
			in:   "export KEY=value",
			want: map[string]string{"KEY": "value"},
		},
		{
			name: "value containing equals sign",
			in:   `export OPTS="a=b"`,
			want: map[string]string{"OPTS": "a=b"},
		},
		{
			name: "non-export lines ignored",
			in:   "KEY=value\nsome text\n",
			want: map[string]string{},
		},
		{
			name: "empty input",
			in:   "",
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseExportEnv(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseExportEnv: got %v, want %v", got, tt.want)
			}
		})
	}
}
