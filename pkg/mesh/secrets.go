// secrets.go: ref+ secret resolution using helmfile/vals, adapted nearly
// verbatim from pkg/env/vals.go — same scanning loop over
// os.Environ(), same ref+ prefix convention, same backend set (Vault, AWS,
// 1Password, file, echo, ...). conf.Parse reads values from the process
// environment, so resolution still has to happen there before ParseConfig
// calls conf.Parse, exactly as manager.go's Manager.Parse resolves secrets
// before calling conf.Parse.
package mesh

import (
	"fmt"
	"os"
	"strings"

	"github.com/helmfile/vals"
)

const refPrefix = "ref+"

// ResolveEnvSecrets scans all environment variables for ref+ prefixes and
// resolves them in place using vals, before any config parsing happens.
func ResolveEnvSecrets() error {
	return ResolveEnvSecretsWithOptions(vals.Options{})
}

// ResolveEnvSecretsWithOptions resolves env secrets with custom vals
// options (caching, logging, cloud credentials, ...).
func ResolveEnvSecretsWithOptions(opts vals.Options) error {
	toResolve := make(map[string]interface{})
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if strings.HasPrefix(value, refPrefix) {
			toResolve[key] = value
		}
	}
	if len(toResolve) == 0 {
		return nil
	}

	runtime, err := vals.New(opts)
	if err != nil {
		return fmt.Errorf("creating vals runtime: %w", err)
	}

	resolved, err := runtime.Eval(toResolve)
	if err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}

	for key, value := range resolved {
		strValue, ok := value.(string)
		if !ok {
			strValue = fmt.Sprintf("%v", value)
		}
		if err := os.Setenv(key, strValue); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return nil
}

// ResolveString resolves a single value if it carries a ref+ prefix,
// returning it unchanged otherwise.
func ResolveString(value string) (string, error) {
	if !strings.HasPrefix(value, refPrefix) {
		return value, nil
	}
	runtime, err := vals.New(vals.Options{})
	if err != nil {
		return "", fmt.Errorf("creating vals runtime: %w", err)
	}
	resolved, err := runtime.Eval(map[string]interface{}{"value": value})
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", value, err)
	}
	result, ok := resolved["value"].(string)
	if !ok {
		return fmt.Sprintf("%v", resolved["value"]), nil
	}
	return result, nil
}
