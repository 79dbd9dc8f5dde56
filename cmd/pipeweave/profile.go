package main

import "gopkg.in/yaml.v3"

func unmarshalYAMLProfile(b []byte, out *RunProfile) error {
	return yaml.Unmarshal(b, out)
}
