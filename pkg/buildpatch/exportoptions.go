package buildpatch

import (
	"context"
	"fmt"
	"os"
	"reflect"

	"github.com/aluedeke/go-targetsign/pkg/correlate"
	"github.com/aluedeke/go-targetsign/pkg/fslock"
	"github.com/containerd/log"
	"github.com/moby/sys/atomicwriter"
	"howett.net/plist"
)

// PatchExportOptions adds every mapping entry to the provisioningProfiles
// dictionary of an exportOptions.plist and switches it to manual signing.
// Entries for bundle identifiers not in m are kept. The returned bool is
// false when the plist already matched.
func PatchExportOptions(data []byte, m correlate.Mapping) ([]byte, bool, error) {
	var options map[string]interface{}
	format, err := plist.Unmarshal(data, &options)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse export options: %w", err)
	}
	if options == nil {
		options = make(map[string]interface{})
	}

	profiles, _ := options["provisioningProfiles"].(map[string]interface{})
	before := make(map[string]interface{}, len(profiles))
	for k, v := range profiles {
		before[k] = v
	}
	if profiles == nil {
		profiles = make(map[string]interface{})
	}
	for _, e := range m.Entries {
		profiles[e.BundleID] = e.CredentialID
	}

	if reflect.DeepEqual(before, profiles) && options["signingStyle"] == "manual" {
		return data, false, nil
	}

	options["provisioningProfiles"] = profiles
	options["signingStyle"] = "manual"

	if format != plist.XMLFormat && format != plist.BinaryFormat {
		format = plist.XMLFormat
	}
	out, err := plist.MarshalIndent(options, format, "\t")
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal export options: %w", err)
	}
	return out, true, nil
}

// PatchExportOptionsFile applies PatchExportOptions to the file at path.
func PatchExportOptionsFile(ctx context.Context, path string, m correlate.Mapping) (bool, error) {
	var applied bool
	// checked before locking so a missing file leaves no lock file behind
	if _, err := os.Stat(path); err != nil {
		return false, err
	}
	err := fslock.WithFileLock(ctx, path, func() error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		out, changed, err := PatchExportOptions(data, m)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if err := atomicwriter.WriteFile(path, out, info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		applied = true
		return nil
	})
	if err == nil {
		log.G(ctx).WithFields(log.Fields{"path": path, "applied": applied}).Info("export options updated")
	}
	return applied, err
}
