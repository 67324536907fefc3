package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/cmd/settle/actions"
	"gitlab.com/useghost/settle/cmd/settle/flags"
)

var log = build.AddSubLogger("MAIN")

// loadEnvFile reads SETTLE_ENV_FILE, or .env, into the environment. It has
// to happen before flags are parsed, as flags read their EnvVar then.
// Variables that are already set win.
func loadEnvFile() error {
	file := os.Getenv("SETTLE_ENV_FILE")
	if file == "" {
		file = ".env"
	}
	err := godotenv.Load(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func main() { //nolint:deadcode,unused
	if err := loadEnvFile(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "could not load env file:", err)
		os.Exit(1)
	}

	app := cli.NewApp()
	app.Name = "settle"
	app.Usage = "Reconciles deposit settlements and retries failed payouts"
	app.Version = build.Version()
	app.EnableBashCompletion = true
	// have log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		level, err := build.ToLogLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		existingLevel := log.Level
		if existingLevel != level {
			build.SetLogLevels(level)
		}

		logDir := c.GlobalString("logging.directory")
		if err = build.SetLogDir(logDir); err != nil {
			return err
		}
		return nil
	}

	app.Flags = flags.CommonFlags
	app.Commands = []cli.Command{
		actions.Db(),
		actions.Reconcile(),
		actions.Fallback(),
		actions.Queue(),
		actions.Serve(),
		{
			Name:  "fish-completion",
			Usage: "Generate fish shell completion",
			Action: func(c *cli.Context) error {
				// to make this pipeable to `source`, we don't want any other
				// output
				build.SetLogLevels(logrus.FatalLevel)

				completion, err := app.ToFishCompletion()
				if err != nil {
					return err
				}

				// prevent auto complete from suggesting files
				completion = fmt.Sprintf("complete -c %q -f \n", c.App.Name) + completion
				fmt.Println(completion)
				return nil
			},
		},
	}

	// exit coder errors never get here, urfave/cli exits with their code
	err := app.Run(os.Args)
	if err != nil {
		// only print error if something was supplied to settle, help
		// message is printed anyways
		if len(os.Args) > 1 {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
