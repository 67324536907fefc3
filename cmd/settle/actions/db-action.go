// Package actions provides actions that the settle CLI can execute
package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"gitlab.com/useghost/settle/build"
	"gitlab.com/useghost/settle/cmd/settle/flags"
	"gitlab.com/useghost/settle/db"
	"gitlab.com/useghost/settle/dummy"
	"gitlab.com/useghost/settle/models/deposits"
)

var log = build.AddSubLogger("ACTN")

// withDatabase opens the database for the duration of fn
func withDatabase(c *cli.Context, fn func(database *db.DB) error) (err error) {
	database, err := openDatabase(c)
	if err != nil {
		return runExit(err)
	}
	defer func() {
		if dbErr := database.Close(); dbErr != nil && err == nil {
			err = dbErr
		}
	}()
	return fn(database)
}

// Db returns commands for handling DB access and migrations
func Db() cli.Command {
	return cli.Command{
		Name:  "db",
		Usage: "Database related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:    "down",
				Aliases: []string{"md"},
				Usage:   "down x, migrates the database down x number of steps",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.NewExitError(
							"You need to specify a number of steps to migrate down",
							exitInvalidArgs,
						)
					}
					steps, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return cli.NewExitError(err.Error(), exitInvalidArgs)
					}
					return withDatabase(c, func(database *db.DB) error {
						return database.MigrateDown(steps)
					})
				},
			},
			{
				Name:    "listversions",
				Aliases: []string{"lv"},
				Usage:   "listversion lists all the migration versions with their description",
				Action: func(c *cli.Context) error {
					return withDatabase(c, func(database *db.DB) error {
						files, err := database.ListVersions()
						if err != nil {
							return err
						}

						var s []string
						for _, file := range files {
							s = append(s, fmt.Sprintf("version: %d - %s", file.Version, file.Description))
						}
						fmt.Fprintln(c.App.Writer, strings.Join(s, "\n"))
						return nil
					})
				},
			},
			{
				Name:    "forceversion",
				Aliases: []string{"fv"},
				Usage:   "forceversion forces the database version, and resets the dirty state to false",
				Flags: []cli.Flag{
					cli.IntFlag{
						Name:     "version",
						Required: true,
						Usage:    "version number you know the database is currently at",
					},
				},
				Action: func(c *cli.Context) error {
					version := c.Int("version")
					return withDatabase(c, func(database *db.DB) error {
						if err := database.ForceVersion(version); err != nil {
							return err
						}
						log.WithField("version", version).Info("forced database version")
						return nil
					})
				},
			},
			{
				Name:    "migrateto",
				Aliases: []string{"mt"},
				Usage:   "migrateto looks at the currently active migration version, then migrates either up or down to the specified version",
				Flags: []cli.Flag{
					cli.UintFlag{
						Name:     "version",
						Required: true,
						Usage:    "version to migrate to",
					},
				},
				Action: func(c *cli.Context) error {
					version := c.Uint("version")
					return withDatabase(c, func(database *db.DB) error {
						if err := database.MigrateToVersion(version); err != nil {
							return err
						}
						log.WithField("version", version).Info("migrated database")
						return nil
					})
				},
			},
			{
				Name:    "up",
				Aliases: []string{"mu"},
				Usage:   "migrates the database up",
				Action: func(c *cli.Context) error {
					return withDatabase(c, func(database *db.DB) error {
						return database.MigrateUp()
					})
				},
			},
			{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "check migrations status and version number",
				Action: func(c *cli.Context) error {
					return withDatabase(c, func(database *db.DB) error {
						status, err := database.MigrationStatus()
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "migration version: %d dirty: %t\n", status.Version, status.Dirty)
						return nil
					})
				},
			},
			{
				Name:    "newmigration",
				Aliases: []string{"nm"},
				Usage:   "newmigration `NAME`, creates new migration files for the configured driver",
				Action: func(c *cli.Context) error {
					migrationText := c.Args().First()
					if migrationText == "" {
						return cli.NewExitError("you must provide a file name for the migration",
							exitInvalidArgs)
					}
					conf := flags.ReadDbConf(c)
					driver := conf.Driver
					if driver == "" {
						driver = db.DriverPostgres
					}

					migration, err := db.CreateMigration(db.MigrationsDir(driver), migrationText)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "created migration %s\n", migration)
					return nil
				},
			},
			{
				Name:    "drop",
				Aliases: []string{"dr"},
				Usage:   "drops the entire database.",
				Flags: []cli.Flag{
					cli.BoolFlag{
						Name:  "force",
						Usage: "Don't ask for confirmation before dropping the DB",
					},
				},
				Action: func(c *cli.Context) error {
					if !c.Bool("force") {
						fmt.Println("Are you sure you want to drop the entire database? y/n")
						if !askForConfirmation() {
							log.Debug("Not dropping DB")
							return nil
						}
					}
					return withDatabase(c, func(database *db.DB) error {
						if err := database.Drop(); err != nil {
							log.WithError(err).Error("Could not drop DB")
							return err
						}
						log.Info("Dropped DB")
						return nil
					})
				},
			},
			{
				Name:  "seed",
				Usage: "fills the database with dummy deposits, for development",
				Flags: []cli.Flag{
					cli.IntFlag{
						Name:  "count",
						Usage: "How many deposits to create",
						Value: 50,
					},
					cli.BoolFlag{
						Name:  "only-once",
						Usage: "Only fill with dummy data if DB is empty",
					},
					cli.BoolFlag{
						Name:  "force",
						Usage: "Don't ask for confirmation before filling the DB",
					},
				},
				Action: func(c *cli.Context) error {
					if !c.Bool("force") {
						fmt.Println("Are you sure you want to fill the database with dummy data? y/n")
						if !askForConfirmation() {
							log.Info("Not populating DB with dummy data")
							return nil
						}
					}
					return withDatabase(c, func(database *db.DB) error {
						return dummy.FillWithData(context.Background(),
							deposits.NewStore(database), c.Int("count"), c.Bool("only-once"))
					})
				},
			},
		}}
}

func askForConfirmation() bool {
	var response string
	_, err := fmt.Scan(&response)
	if err != nil {
		log.Fatal(err)
	}
	switch strings.ToLower(response) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		fmt.Println("Please type yes or no and then press enter:")
		return askForConfirmation()
	}
}
