package config

import (
	"fmt"
	"os"
)

// Template is a commented config matching Default().
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

const defaultTemplate = `# offline | client | dedicated | listen
mode = "dedicated"
# local player id; required in client mode
player = 0
log_level = "info"

[transport]
max_unit_size = 256
units_per_second = 120.0
burst = 16
reassembly_ttl_ms = 30000

[handshake]
max_connect_attempts = 6
retry_interval_ms = 10000
jitter = false

[server]
name = "adminsync"
world = "world"
port = 27015
log_private_messages = false
admins = []
motd_headline = "Welcome to %SERVER_NAME%"
motd_content = ""
motd_show_in_chat = true

[storage]
# empty keeps state in memory
path = ""

[admin_http]
enabled = false
addr = "127.0.0.1:9180"
cors_origins = ["http://localhost:3000"]
# bearer token for /status; empty leaves it open
token = ""

[sim]
clients = 3
steps = 600
step_ms = 50
seed = 1
reorder = true
duplicate_rate = 0.0
drop_rate = 0.0
realtime = false
# "<step> <player> <chat text>"; player 0 is the server console
script = [
  "40 0 /protect add spawn 0 0 0 50",
  "60 1001 /protect list",
]
`
