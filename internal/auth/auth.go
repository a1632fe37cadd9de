package auth

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

const (
	credentialDir  = ".gemini-variations"
	credentialFile = "credentials.gpg"

	// apiKeyLinePrefix marks the key line in a plain key file.
	apiKeyLinePrefix = "GEMINI_API_KEY="
)

// ParameterGetter is the subset of *ssm.Client used to read the API key.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Sources lists where GetAPIKey may look besides the environment.
type Sources struct {
	// Flag is the value passed on the command line.
	Flag string
	// KeyFile is a file containing a GEMINI_API_KEY=value line.
	KeyFile string
	// SSMParam names a SecureString parameter holding the key.
	SSMParam string
	// SSM reads SSMParam. Required when SSMParam is set.
	SSM ParameterGetter
}

// GetAPIKey retrieves the Gemini API key from available sources.
// Priority order:
//  1. --api-key flag
//  2. GEMINI_API_KEY environment variable
//  3. key file containing GEMINI_API_KEY=value
//  4. GPG-encrypted file at ~/.gemini-variations/credentials.gpg
//  5. SSM parameter
func GetAPIKey(ctx context.Context, src Sources) (string, error) {
	if src.Flag != "" {
		log.Warn().Msg("API key provided on the command line is visible in the process list; prefer GEMINI_API_KEY")
		return src.Flag, nil
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		log.Debug().Msg("Using API key from environment variable")
		return key, nil
	}

	if src.KeyFile != "" {
		key, err := readKeyFile(src.KeyFile)
		if err == nil {
			log.Debug().Str("file", src.KeyFile).Msg("Using API key from key file")
			return key, nil
		}
		log.Warn().Err(err).Str("file", src.KeyFile).Msg("Failed to read API key file")
	}

	key, gpgErr := getFromGPG()
	if gpgErr == nil && key != "" {
		log.Debug().Msg("Using API key from GPG encrypted file")
		return key, nil
	}

	if src.SSMParam != "" && src.SSM != nil {
		key, err := getFromSSM(ctx, src.SSM, src.SSMParam)
		if err == nil {
			return key, nil
		}
		log.Warn().Err(err).Str("param", src.SSMParam).Msg("Failed to read API key from SSM")
	}

	log.Debug().Err(gpgErr).Msg("No API key source available")
	return "", &ValidationError{
		Type:    ErrTypeNoKey,
		Message: "API key not found. Set GEMINI_API_KEY, pass --api-key-file, or set GEMINI_API_KEY_SSM_PARAM",
	}
}

// readKeyFile returns the value of the first GEMINI_API_KEY= line in path.
func readKeyFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if value, ok := strings.CutPrefix(line, apiKeyLinePrefix); ok {
			value = strings.Trim(strings.TrimSpace(value), `"'`)
			if value == "" {
				return "", fmt.Errorf("empty %s line in %s", strings.TrimSuffix(apiKeyLinePrefix, "="), path)
			}
			return value, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	return "", fmt.Errorf("no %s line in %s", strings.TrimSuffix(apiKeyLinePrefix, "="), path)
}

// getFromSSM reads a SecureString parameter with decryption.
func getFromSSM(ctx context.Context, client ParameterGetter, name string) (string, error) {
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get SSM parameter: %w", err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return "", fmt.Errorf("SSM parameter %s is empty", name)
	}
	log.Debug().Str("param", name).Dur("elapsed", time.Since(start)).Msg("Gemini API key loaded from SSM")
	return aws.ToString(result.Parameter.Value), nil
}

// getFromGPG decrypts the API key from the GPG-encrypted credentials file.
func getFromGPG() (string, error) {
	credPath, err := getCredentialPath()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(credPath); os.IsNotExist(err) {
		return "", fmt.Errorf("GPG credentials file not found at %s", credPath)
	}

	log.Debug().Str("file", credPath).Msg("Decrypting GPG credentials")

	// Build GPG command with optional passphrase file for non-interactive use
	args := []string{"--decrypt", "--quiet"}

	passphrasePath, err := getPassphrasePath()
	if err == nil {
		fi, statErr := os.Stat(passphrasePath)
		if statErr == nil {
			// Passphrase file must be owner-only
			mode := fi.Mode().Perm()
			if mode&0077 != 0 {
				log.Warn().
					Str("passphrase_file", passphrasePath).
					Str("permissions", fmt.Sprintf("%04o", mode)).
					Msg("Passphrase file has insecure permissions (should be 0600); skipping")
			} else {
				log.Debug().Str("passphrase_file", passphrasePath).Msg("Using passphrase file for GPG decryption")
				args = append(args, "--pinentry-mode", "loopback", "--passphrase-file", passphrasePath)
			}
		}
	}

	args = append(args, credPath)
	cmd := exec.Command("gpg", args...)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("GPG decryption failed: %s", string(exitErr.Stderr))
		}
		return "", fmt.Errorf("GPG decryption failed: %w", err)
	}

	return strings.TrimSpace(string(output)), nil
}

// getCredentialPath returns the full path to the credentials file.
func getCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, credentialDir, credentialFile), nil
}

// getPassphrasePath returns the path to the GPG passphrase file.
// The executable's directory is checked first, then the working directory.
func getPassphrasePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}

	exeDir := filepath.Dir(exe)
	passphrasePath := filepath.Join(exeDir, ".gpg-passphrase")
	if _, err := os.Stat(passphrasePath); err == nil {
		return passphrasePath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	passphrasePath = filepath.Join(cwd, ".gpg-passphrase")
	return passphrasePath, nil
}
