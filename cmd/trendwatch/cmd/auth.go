package cmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type credentialStatus struct {
	Valid      bool       `json:"valid"`
	Preview    string     `json:"preview"`
	Source     string     `json:"source"`
	AcquiredAt *time.Time `json:"acquired_at"`
	Message    string     `json:"message"`
}

type loginSession struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	QRImage   string `json:"qr_image"`
	Message   string `json:"message"`
}

func init() {
	cookieSetCmd.Flags().StringP("file", "f", "", "Read the cookie from a file instead of the argument.")
	loginCmd.Flags().StringP("output", "o", "login-qr.png", "Where to write the qr code image.")
	loginCmd.Flags().Duration("timeout", 5*time.Minute, "How long to wait for the scan.")

	cookieCmd.AddCommand(cookieSetCmd, cookieStatusCmd)
	rootCmd.AddCommand(cookieCmd, loginCmd)
}

var cookieCmd = &cobra.Command{
	Use:   "cookie",
	Short: "Manages the session cookie used for upstream requests.",
}

var cookieSetCmd = &cobra.Command{
	Use:   "set [cookie]",
	Short: "Replaces the session cookie with a pasted one.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		var token string
		switch {
		case file != "":
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			token = string(content)
		case len(args) == 1:
			token = args[0]
		default:
			return fmt.Errorf("pass the cookie as an argument or with --file")
		}

		var result ack
		res, err := newClient().R().
			SetContext(cmd.Context()).
			SetBody(map[string]string{"token": strings.TrimSpace(token)}).
			SetResult(&result).
			SetError(&result).
			Post("/api/auth/credential")
		if err := check(res, err); err != nil {
			return err
		}
		fmt.Println(result.Message)
		return nil
	},
}

var cookieStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows whether the current cookie is usable.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status credentialStatus
		res, err := newClient().R().
			SetContext(cmd.Context()).
			SetResult(&status).
			Get("/api/auth/credential/status")
		if err := check(res, err); err != nil {
			return err
		}

		fmt.Printf("valid:    %t\n", status.Valid)
		if status.Preview != "" {
			fmt.Printf("cookie:   %s\n", status.Preview)
			fmt.Printf("source:   %s\n", status.Source)
			fmt.Printf("acquired: %s\n", formatTime(status.AcquiredAt))
		}
		fmt.Println(status.Message)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Starts a qr code login on the server and waits for the scan.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		client := newClient()

		var session loginSession
		res, err := client.R().
			SetContext(cmd.Context()).
			SetResult(&session).
			Post("/api/auth/session/start")
		if err := check(res, err); err != nil {
			return err
		}

		png, err := base64.StdEncoding.DecodeString(session.QRImage)
		if err != nil {
			return fmt.Errorf("decode qr code: %w", err)
		}
		err = os.WriteFile(output, png, 0644)
		if err != nil {
			return err
		}
		fmt.Printf("qr code written to %s, scan it with the mobile app.\n", output)

		deadline := time.Now().Add(timeout)
		for {
			if time.Now().After(deadline) {
				client.R().Post("/api/auth/session/cancel/" + session.SessionID)
				return fmt.Errorf("gave up waiting for the scan")
			}

			var status loginSession
			res, err := client.R().
				SetContext(cmd.Context()).
				SetQueryParam("wait", "20").
				SetResult(&status).
				Get("/api/auth/session/status/" + session.SessionID)
			if err := check(res, err); err != nil {
				return err
			}

			switch status.State {
			case "confirmed":
				fmt.Println("login confirmed, cookie saved.")
				return nil
			case "waiting_scan", "pending":
				continue
			default:
				return fmt.Errorf("login %s: %s", status.State, status.Message)
			}
		}
	},
}
