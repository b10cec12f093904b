package di

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv reads the .env file named by ENV_FILE, or ./.env. A missing file is
// not an error; variables already in the environment win.
func LoadEnv(logger *logrus.Logger) error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.WithFields(logrus.Fields{
				"Function": "LoadEnv",
				"Path":     path,
			}).Info("No env file found, using process environment")
			return nil
		}
		return err
	}
	return nil
}
