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

// EnvDotEnvPath points at an explicit .env file and skips the upward search.
const EnvDotEnvPath = "DEVICEPOOL_DOTENV"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads DEVICEPOOL_DOTENV, or else the first .env file found walking up
// from the current working directory. Variables already set in the process
// environment win. Subsequent calls are no-ops.
func Ensure() error {
	// Unit tests stay hermetic unless GOTEST_LOAD_DOTENV=1.
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path, err := resolveDotEnv()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("devicepool: search .env failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("devicepool: load .env failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("devicepool: loaded .env")
	})
	return loadErr
}

// LoadedPath returns the resolved .env path if one was loaded, otherwise "".
func LoadedPath() string {
	return loadedPath
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

func resolveDotEnv() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvDotEnvPath)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return findDotEnv(wd)
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
