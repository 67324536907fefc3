package flags

import (
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/gateway"
	"gitlab.com/useghost/settle/gateway/depix"
	"gitlab.com/useghost/settle/gateway/voltz"
	"gitlab.com/useghost/settle/ratelimit"
)

func TestConcat(t *testing.T) {
	type args struct {
		first []cli.Flag
		rest  [][]cli.Flag
	}
	tests := []struct {
		name string
		args args
		want []cli.Flag
	}{{
		name: "Concat one list",
		args: args{
			first: []cli.Flag{cli.StringFlag{
				Name: "foo",
			},
			},
			rest: nil,
		},
		want: []cli.Flag{cli.StringFlag{Name: "foo"}},
	}, {
		name: "Concat two lists",
		args: args{
			first: []cli.Flag{cli.StringFlag{
				Name: "foo",
			},
			},
			rest: [][]cli.Flag{
				[]cli.Flag{
					cli.StringFlag{Name: "bar"},
				},
			},
		},
		want: []cli.Flag{cli.StringFlag{Name: "foo"}, cli.StringFlag{Name: "bar"}},
	}, {
		name: "Concat three lists",
		args: args{
			first: []cli.Flag{cli.StringFlag{
				Name: "foo",
			},
			},
			rest: [][]cli.Flag{
				[]cli.Flag{
					cli.StringFlag{Name: "bar"},
				},
				[]cli.Flag{
					cli.BoolFlag{Name: "baz"},
				},
			},
		},
		want: []cli.Flag{cli.StringFlag{Name: "foo"}, cli.StringFlag{Name: "bar"}, cli.BoolFlag{Name: "baz"}},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Concat(tt.args.first, tt.args.rest...); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Concat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadDbConfFromParent(t *testing.T) {
	app := cli.NewApp()
	app.Writer = io.Discard
	var conf db.DatabaseConfig
	app.Commands = []cli.Command{{
		Name:  "db",
		Flags: Db,
		Subcommands: []cli.Command{{
			Name: "status",
			Action: func(c *cli.Context) error {
				conf = ReadDbConf(c)
				return nil
			},
		}},
	}}

	err := app.Run([]string{"settle", "db", "--db.driver", "sqlite3", "--db.path", "/tmp/settle.db", "status"})
	require.NoError(t, err)
	assert.Equal(t, db.DriverSQLite, conf.Driver)
	assert.Equal(t, "/tmp/settle.db", conf.Path)
	assert.Equal(t, "settle", conf.Name)
}

func TestReadGatewayConf(t *testing.T) {
	app := cli.NewApp()
	app.Writer = io.Discard
	var (
		depixConf   depix.Config
		voltzConf   voltz.Config
		breakerConf gateway.BreakerConfig
	)
	app.Flags = Concat(Depix, Voltz, Breaker)
	app.Action = func(c *cli.Context) error {
		depixConf = ReadDepixConf(c)
		voltzConf = ReadVoltzConf(c)
		breakerConf = ReadBreakerConf(c, "depix")
		return nil
	}

	err := app.Run([]string{"settle",
		"--depix.token", "secret",
		"--voltz.url", "http://voltz.local",
		"--breaker.failures", "2",
		"--depix.strict-txid",
	})
	require.NoError(t, err)
	assert.Equal(t, depix.DefaultBaseURL, depixConf.BaseURL)
	assert.Equal(t, "secret", depixConf.Token)
	assert.True(t, depixConf.StrictTxID)
	assert.Equal(t, 15*time.Second, depixConf.Timeout)
	assert.Equal(t, "http://voltz.local", voltzConf.BaseURL)
	assert.Equal(t, uint32(2), breakerConf.ConsecutiveFailures)
	assert.Equal(t, "depix", breakerConf.Name)
}

func TestReadThrottle(t *testing.T) {
	read := func(args ...string) (time.Duration, error) {
		app := cli.NewApp()
		app.Writer = io.Discard
		app.Flags = Throttle
		var (
			interval time.Duration
			readErr  error
		)
		app.Action = func(c *cli.Context) error {
			interval, readErr = ReadThrottle(c)
			return nil
		}
		require.NoError(t, app.Run(append([]string{"settle"}, args...)))
		return interval, readErr
	}

	interval, err := read()
	require.NoError(t, err)
	assert.Equal(t, ratelimit.DefaultInterval, interval)

	interval, err = read("--throttle", "1s")
	require.NoError(t, err)
	assert.Equal(t, time.Second, interval)

	interval, err = read("--throttle", "300ms")
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, interval)

	for _, tooShort := range []string{"0", "1ms", "299ms", "-5s"} {
		_, err := read("--throttle", tooShort)
		assert.Truef(t, errors.Is(err, ErrThrottleTooShort), "%s: %v", tooShort, err)
	}
}
