package main

import (
	"errors"
	"fmt"
	"os"

	rice "github.com/GeertJohan/go.rice"
)

func newConfigFile() error {
	if _, err := os.Stat("config.toml"); !os.IsNotExist(err) {
		return errors.New("config.toml exists. Remove it to generate a new one")
	}

	sampleBox := rice.MustFindBox("static/samples")
	b, err := sampleBox.Bytes("config.toml")
	if err != nil {
		return fmt.Errorf("error reading sample config (is binary stuffed?): %v", err)
	}
	return os.WriteFile("config.toml", b, 0644)
}

func newUnitFile() error {
	if _, err := os.Stat("rendezvous.service"); !os.IsNotExist(err) {
		return errors.New("rendezvous.service exists. Remove it to generate a new one")
	}

	sampleBox := rice.MustFindBox("static/samples")
	b, err := sampleBox.Bytes("rendezvous.service")
	if err != nil {
		return fmt.Errorf("error reading sample unit (is binary stuffed?): %v", err)
	}
	return os.WriteFile("rendezvous.service", b, 0644)
}
