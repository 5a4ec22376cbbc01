// Package env loads a .env file into the process environment before
// settings are read.
package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EnvFile names an explicit dotenv file and disables the upward search.
const EnvFile = "OTAHARNESS_ENV_FILE"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the first .env file found from the current working directory up
// to the filesystem root. Variables already set in the environment win.
// Subsequent calls are no-ops.
func Ensure() error {
	// Opt-in with GOTEST_LOAD_DOTENV=1 when running `go test`.
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		loadedPath, loadErr = load()
	})
	return loadErr
}

// LoadedPath returns the resolved .env path if one was loaded, otherwise "".
func LoadedPath() string {
	return loadedPath
}

func load() (string, error) {
	path := strings.TrimSpace(os.Getenv(EnvFile))
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path, err = findDotEnv(wd)
		if err != nil {
			log.Debug().Err(err).Msg("otaharness: search .env failed")
			return "", err
		}
		if path == "" {
			return "", nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("otaharness: load .env failed")
		return "", err
	}
	log.Debug().Str("dotenv", path).Msg("otaharness: loaded .env")
	return path, nil
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func findDotEnv(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
