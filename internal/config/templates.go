package config

import (
	"fmt"
	"os"
)

func Template() string {
	return defaultTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o600)
}

const defaultTemplate = `# ymsgd gateway configuration
node = "ymsgd"
listen_addr = ":5050"

# Admin HTTP surface (health, metrics, sessions). Empty disables it.
admin_addr = "127.0.0.1:9050"
cors_origins = ["http://localhost:3000"]

audit_interval = "30s"

read_timeout = "5m"
write_timeout = "15s"
read_buffer_bytes = 4096

# One packet is at most a 20 byte header plus a 65535 byte payload.
max_packet_bytes = 65555
# Unparsed bytes held per connection; at least max_packet_bytes + read_buffer_bytes.
max_buffered_bytes = 262144
`
