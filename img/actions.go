package img

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"

	"github.com/buildpack/fnpack"
)

func Append(image v1.Image, layers ...v1.Layer) (v1.Image, error) {
	image, err := mutate.AppendLayers(image, layers...)
	if err != nil {
		return nil, fmt.Errorf("append layer: %w", err)
	}
	return image, nil
}

// Settings is the part of the image config owned by a function build.
type Settings struct {
	Cmd        []string
	WorkingDir string
	Env        map[string]string
	Labels     map[string]string
}

// Configure applies settings on top of the existing config. The base image's
// Entrypoint is left alone so the platform bootstrap keeps receiving Cmd.
func Configure(image v1.Image, s Settings) (v1.Image, error) {
	configFile, err := image.ConfigFile()
	if err != nil {
		return nil, err
	}
	config := *configFile.Config.DeepCopy()
	if s.Cmd != nil {
		config.Cmd = s.Cmd
	}
	if s.WorkingDir != "" {
		config.WorkingDir = s.WorkingDir
	}
	config.Env = mergeEnv(config.Env, s.Env)
	if len(s.Labels) > 0 && config.Labels == nil {
		config.Labels = map[string]string{}
	}
	for k, v := range s.Labels {
		config.Labels[k] = v
	}
	return mutate.Config(image, config)
}

// Env returns the value of key in the image's environment.
func Env(image v1.Image, key string) (string, bool, error) {
	configFile, err := image.ConfigFile()
	if err != nil {
		return "", false, err
	}
	for _, kv := range configFile.Config.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true, nil
		}
	}
	return "", false, nil
}

func Metadata(image v1.Image) (fnpack.BuildMetadata, error) {
	var md fnpack.BuildMetadata
	configFile, err := image.ConfigFile()
	if err != nil {
		return md, err
	}
	label, ok := configFile.Config.Labels[fnpack.BuildLabel]
	if !ok {
		return md, fmt.Errorf("image has no %s label", fnpack.BuildLabel)
	}
	if err := json.Unmarshal([]byte(label), &md); err != nil {
		return md, fmt.Errorf("decode %s label: %w", fnpack.BuildLabel, err)
	}
	return md, nil
}

// mergeEnv overrides existing keys in place and appends new keys sorted.
func mergeEnv(env []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return env
	}
	seen := map[string]bool{}
	var out []string
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := extra[k]; ok {
			kv = k + "=" + v
			seen[k] = true
		}
		out = append(out, kv)
	}
	var keys []string
	for k := range extra {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

type dockerConfig struct {
	CredHelpers map[string]string `json:"credHelpers"`
}

func SetupCredHelpers(refs ...string) error {
	dockerPath := filepath.Join(os.Getenv("HOME"), ".docker")
	configPath := filepath.Join(dockerPath, "config.json")
	if _, err := os.Stat(configPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	credHelpers := map[string]string{}
	for _, refStr := range refs {
		ref, err := name.ParseReference(refStr, name.WeakValidation)
		if err != nil {
			return err
		}
		registry := ref.Context().RegistryStr()
		for _, ch := range []struct {
			domain string
			helper string
		}{
			{"([.]|^)gcr[.]io$", "gcr"},
			{"[.]amazonaws[.]", "ecr-login"},
			{"([.]|^)azurecr[.]io$", "acr"},
		} {
			match, err := regexp.MatchString("(?i)"+ch.domain, registry)
			if err != nil || !match {
				continue
			}
			credHelpers[registry] = ch.helper
		}
	}
	if err := os.MkdirAll(dockerPath, 0777); err != nil {
		return err
	}
	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(dockerConfig{
		CredHelpers: credHelpers,
	})
}
