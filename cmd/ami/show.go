package main

import (
	"os"

	"github.com/jakopako/ami/internal/config"
)

type ShowCmd struct {
	Secrets bool `help:"Print passwords instead of masking them."`
}

func (s *ShowCmd) Run(cfg *config.Config) error {
	c := *cfg
	if !s.Secrets {
		for _, p := range []*string{&c.Automation.Password, &c.Server.Password, &c.Writer.Password} {
			if *p != "" {
				*p = "********"
			}
		}
	}
	return c.Write(os.Stdout)
}
