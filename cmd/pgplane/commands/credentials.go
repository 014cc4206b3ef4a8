package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/config"
)

func newGenerateCredentialsCommand() *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   "generate-credentials",
		Short: "Generate an API access key pair",
		Long: `Generate an access key and secret pair, append it to the credentials
file and print it. Existing entries and comments are preserved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}

			src, err := os.ReadFile(cfg.CredentialsPath)
			if err != nil && !os.IsNotExist(err) {
				return apperrors.WrapKnown(err, "failed to read %s", cfg.CredentialsPath)
			}

			accessKey := config.GenerateAccessKey()
			secretKey := config.GenerateSecret()
			out, err := config.AppendCredentials(src, accessKey, secretKey, comment)
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfg.CredentialsPath, out, 0o600); err != nil {
				return apperrors.WrapKnown(err, "failed to write %s", cfg.CredentialsPath)
			}

			fmt.Printf("AccessKeyId:     %s\n", accessKey)
			fmt.Printf("SecretAccessKey: %s\n", secretKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded next to the new entry")

	return cmd
}
