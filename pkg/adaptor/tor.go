package adaptor

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/threatwatch/pkg/errors"
)

// TorController sends signals to Tor control port
type TorController interface {
	Signal(ctx context.Context, signal string) error
}

type TorControlConfig struct {
	Addr       string
	Password   string
	CookiePath string
	Timeout    time.Duration
}

type torController struct {
	cfg TorControlConfig
}

func NewTorController(cfg TorControlConfig) TorController {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &torController{cfg: cfg}
}

func (x *torController) authArg() (string, error) {
	switch {
	case x.cfg.Password != "":
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(x.cfg.Password)
		return `"` + escaped + `"`, nil

	case x.cfg.CookiePath != "":
		cookie, err := os.ReadFile(x.cfg.CookiePath)
		if err != nil {
			return "", errors.Wrap(err, "Failed to read Tor auth cookie").With("path", x.cfg.CookiePath)
		}
		return hex.EncodeToString(cookie), nil
	}
	return "", nil
}

// Signal authenticates and sends SIGNAL command (e.g. NEWNYM) in one connection
func (x *torController) Signal(ctx context.Context, signal string) error {
	auth, err := x.authArg()
	if err != nil {
		return err
	}

	dialer := &net.Dialer{Timeout: x.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", x.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "Failed to connect Tor control port").With("addr", x.cfg.Addr)
	}
	defer conn.Close()

	deadline := time.Now().Add(x.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return errors.Wrap(err, "Failed to set deadline")
	}

	tp := textproto.NewConn(conn)
	if err := torCommand(tp, strings.TrimSpace("AUTHENTICATE "+auth)); err != nil {
		return errors.Wrap(err, "Tor control authentication failed").With("addr", x.cfg.Addr)
	}
	if err := torCommand(tp, "SIGNAL "+signal); err != nil {
		return errors.Wrap(err, "Tor control signal failed").With("signal", signal)
	}
	_ = torCommand(tp, "QUIT")

	return nil
}

func torCommand(tp *textproto.Conn, cmd string) error {
	id, err := tp.Cmd("%s", cmd)
	if err != nil {
		return err
	}
	tp.StartResponse(id)
	defer tp.EndResponse(id)

	if _, msg, err := tp.ReadResponse(250); err != nil {
		return fmt.Errorf("%s: %w", strings.Fields(cmd)[0], err)
	} else if msg == "" {
		return fmt.Errorf("%s: empty response", strings.Fields(cmd)[0])
	}
	return nil
}
