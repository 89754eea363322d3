package main

import (
	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"

	"github.com/privatedatabroker/broker/internal/broker"
)

const exampleConfig = `# example private data broker configuration TOML file
evict-idle = "1h" # how long an origin can sit unused before its policy record is evicted

[store]
persistent-dir = "/var/lib/pdb/store" # where the encrypted credential blob and identity cache live
ephemeral-name = "default"            # namespaces the restart-survives-unlock mirror under the OS temp dir

[adapter]
listen = "127.0.0.1:0"                        # loopback address the auxiliary call-forwarding server binds
remote-base-url = "https://api.nillion.example" # remote secret-storage service

[log]
output = "stderr" # Logger output. Could be "stdout", "stderr" or a file path.
severity = "INFO" # Logger severity. Could be "INFO", "ERROR", "DEBUG" or "WARN".
`

// LoadConfig reads and validates the broker's TOML configuration file.
func LoadConfig(filepath string) (*broker.Config, error) {
	t, err := toml.LoadFile(filepath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf := &broker.Config{}
	if err := t.Unmarshal(conf); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return conf, nil
}
