package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Administer repositories on a running reposvc control plane",
}

func apiAddrFlag(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("api-addr")
	return addr
}

var apiClient = &http.Client{Timeout: 30 * time.Second}

func doJSON(method, url string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var repoRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a new repository with the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://%s/v1/repositories", apiAddrFlag(cmd))
		if err := doJSON(http.MethodPost, url, map[string]string{"name": args[0]}, nil); err != nil {
			return err
		}
		fmt.Printf("✓ repository %q registered\n", args[0])
		return nil
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered repository's generation state",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://%s/v1/repositories", apiAddrFlag(cmd))
		var statuses []map[string]interface{}
		if err := doJSON(http.MethodGet, url, nil, &statuses); err != nil {
			return err
		}
		return printJSON(statuses)
	},
}

var repoStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show one repository's generation state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://%s/v1/repositories/%s", apiAddrFlag(cmd), args[0])
		var status map[string]interface{}
		if err := doJSON(http.MethodGet, url, nil, &status); err != nil {
			return err
		}
		return printJSON(status)
	},
}

var repoSnapshotsCmd = &cobra.Command{
	Use:   "snapshots <name>",
	Short: "List a repository's snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://%s/v1/repositories/%s/snapshots", apiAddrFlag(cmd), args[0])
		var snapshots []map[string]interface{}
		if err := doJSON(http.MethodGet, url, nil, &snapshots); err != nil {
			return err
		}
		return printJSON(snapshots)
	},
}

var repoDeleteCmd = &cobra.Command{
	Use:   "delete <name> <snapshot-uuid>...",
	Short: "Delete one or more snapshots from a repository",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		expectedSafe, _ := cmd.Flags().GetInt64("expected-safe")
		modernLayout, _ := cmd.Flags().GetBool("uuid-shard-layout")

		url := fmt.Sprintf("http://%s/v1/repositories/%s/snapshots", apiAddrFlag(cmd), args[0])
		body := map[string]interface{}{
			"snapshot_uuids": args[1:],
			"expected_safe":  expectedSafe,
			"modern_layout":  modernLayout,
		}
		var result map[string]interface{}
		if err := doJSON(http.MethodDelete, url, body, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var repoCleanupCmd = &cobra.Command{
	Use:   "cleanup <name>",
	Short: "Trigger an out-of-band garbage-collection sweep",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://%s/v1/repositories/%s/cleanup", apiAddrFlag(cmd), args[0])
		return doJSON(http.MethodPost, url, nil, nil)
	},
}

var repoVerifyCmd = &cobra.Command{
	Use:   "verify <name>",
	Short: "Run the start/end blob-store access verification probe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := fmt.Sprintf("http://%s/v1/repositories/%s", apiAddrFlag(cmd), args[0])

		var handle map[string]string
		if err := doJSON(http.MethodPost, base+"/verify/start", nil, &handle); err != nil {
			return err
		}
		if err := doJSON(http.MethodPost, base+"/verify/end", handle, nil); err != nil {
			return err
		}
		fmt.Println("✓ verification probe succeeded")
		return nil
	},
}

func printJSON(v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}

func init() {
	for _, c := range []*cobra.Command{repoRegisterCmd, repoListCmd, repoStatusCmd, repoSnapshotsCmd, repoDeleteCmd, repoCleanupCmd, repoVerifyCmd} {
		c.Flags().String("api-addr", "127.0.0.1:9090", "Control-plane HTTP address")
	}
	repoDeleteCmd.Flags().Int64("expected-safe", -1, "Safe generation the caller observed before deleting")
	repoDeleteCmd.Flags().Bool("uuid-shard-layout", true, "Use the modern uuid-keyed shard-generation layout")

	repoCmd.AddCommand(repoRegisterCmd, repoListCmd, repoStatusCmd, repoSnapshotsCmd, repoDeleteCmd, repoCleanupCmd, repoVerifyCmd)
}
