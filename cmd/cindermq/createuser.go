package main

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/nilsen/cindermq/internal/auth"
)

var (
	createUserDB       string
	createUserName     string
	createUserPassword string
)

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Create or update a broker credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		if createUserName == "" || createUserPassword == "" {
			return fmt.Errorf("--username and --password are required")
		}
		db, err := sql.Open("sqlite3", createUserDB)
		if err != nil {
			return err
		}
		defer db.Close()

		store := auth.New(db)
		if err := store.CreateUser(createUserName, createUserPassword, bcrypt.DefaultCost); err != nil {
			return err
		}
		fmt.Printf("user %q created\n", createUserName)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createUserCmd)
	flags := createUserCmd.Flags()
	flags.StringVarP(&createUserDB, "db", "d", "./data/auth.db", "path to the auth sqlite database")
	flags.StringVarP(&createUserName, "username", "u", "", "username to create or update")
	flags.StringVarP(&createUserPassword, "password", "p", "", "password to hash and store")
}
