package main

import (
	"flag"
	"fmt"

	"github.com/asticode/go-astimoq"
)

// Flags
var (
	broadcast  = flag.String("b", "", "the broadcast path")
	configPath = flag.String("c", "", "the config path")
	url        = flag.String("u", "", "the relay url")
)

func newConfiguration() (c astimoq.Configuration, err error) {
	// Load file
	if c, err = astimoq.LoadConfiguration(*configPath); err != nil {
		err = fmt.Errorf("main: loading configuration failed: %w", err)
		return
	}

	// Override with flags
	if *broadcast != "" {
		c.Source.Broadcast = *broadcast
	}
	if *url != "" {
		c.Source.URL = *url
	}
	return
}
