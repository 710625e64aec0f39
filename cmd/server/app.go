package main

import (
	"fmt"
	"html"
	"strings"

	"github.com/keithlinneman/shortstack/internal/controller"
	"github.com/keithlinneman/shortstack/internal/stack"
	"github.com/keithlinneman/shortstack/internal/version"
)

type stackInfo struct {
	Stack   string   `json:"stack"`
	Version string   `json:"version"`
	Booted  bool     `json:"booted"`
	Units   []string `json:"units"`
	Actions []string `json:"actions"`
}

// newDemoController publishes the actions served at the site root: index,
// version and boot.
func newDemoController(s *stack.Stack) *controller.Controller {
	c := controller.New()

	info := func() stackInfo {
		return stackInfo{
			Stack:   s.Name,
			Version: version.Get().Version,
			Booted:  s.Booted(),
			Units:   s.BootLoader().Names(),
			Actions: c.Actions(),
		}
	}

	c.Publish(controller.DefaultAction, []string{"html", "json", "text"}, func(r *controller.Request) (any, error) {
		in := info()
		switch r.Format {
		case "json":
			return in, nil
		case "html":
			var b strings.Builder
			fmt.Fprintf(&b, "<!doctype html><title>%s</title><h1>%s stack</h1><ol>", html.EscapeString(in.Stack), html.EscapeString(in.Stack))
			for _, u := range in.Units {
				fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(u))
			}
			b.WriteString("</ol>")
			return b.String(), nil
		default:
			return fmt.Sprintf("%s stack (%s): %s\n", in.Stack, in.Version, strings.Join(in.Units, " -> ")), nil
		}
	})

	c.Publish("version", []string{"json", "text"}, func(r *controller.Request) (any, error) {
		vi := version.Get()
		if r.Format == "text" {
			return vi.Short() + "\n", nil
		}
		return vi, nil
	})

	c.Publish("boot", []string{"json"}, func(*controller.Request) (any, error) {
		return s.BootLoader().Plan(), nil
	})

	return c
}
