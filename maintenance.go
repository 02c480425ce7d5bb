package main

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/rs/zerolog"

	"panicrelay/twilio"
)

// checkAccount prints the account and its numbers. It is the first thing to
// run against fresh credentials.
func checkAccount(ctx context.Context, client *twilio.Client, out io.Writer) error {
	acct, err := client.FetchAccount(ctx)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	fmt.Fprintf(out, "Account: %s (%s)\n", acct.SID, acct.FriendlyName)
	fmt.Fprintf(out, "Status:  %s\n", acct.Status)
	fmt.Fprintf(out, "Type:    %s\n", acct.Type)

	numbers, err := client.ListPhoneNumbers(ctx)
	if err != nil {
		return fmt.Errorf("list numbers: %w", err)
	}
	fmt.Fprintf(out, "\nPhone numbers (%d):\n", len(numbers))
	for _, n := range numbers {
		fmt.Fprintf(out, "  %s  %s  sid=%s voice=%t sms=%t\n",
			n.PhoneNumber, n.FriendlyName, n.SID, n.Capabilities.Voice, n.Capabilities.SMS)
		if n.VoiceURL != "" {
			fmt.Fprintf(out, "    voice url: %s\n", n.VoiceURL)
		}
		if n.VoiceApplicationSID != "" {
			fmt.Fprintf(out, "    application: %s\n", n.VoiceApplicationSID)
		}
	}
	return nil
}

// cleanFields resets a number's voice handling so that no stale webhook or
// TwiML application answers calls to it.
func cleanFields() url.Values {
	v := url.Values{}
	v.Set("VoiceUrl", "")
	v.Set("VoiceMethod", "POST")
	v.Set("VoiceFallbackUrl", "")
	v.Set("VoiceFallbackMethod", "POST")
	v.Set("StatusCallback", "")
	v.Set("StatusCallbackMethod", "POST")
	v.Set("VoiceCallerIdLookup", "false")
	v.Set("VoiceApplicationSid", "")
	return v
}

// cleanNumber clears the number's voice configuration, deletes every TwiML
// application on the account and prints the resulting configuration.
// Failures to delete one application are logged and do not stop the rest.
func cleanNumber(ctx context.Context, client *twilio.Client, phoneSID string, out io.Writer, logger zerolog.Logger) error {
	if phoneSID == "" {
		return fmt.Errorf("TWILIO_PHONE_SID is required to clean a number")
	}
	if _, err := client.UpdatePhoneNumber(ctx, phoneSID, cleanFields()); err != nil {
		return fmt.Errorf("reset number %s: %w", phoneSID, err)
	}
	fmt.Fprintf(out, "Number %s reset\n", phoneSID)

	apps, err := client.ListApplications(ctx)
	if err != nil {
		return fmt.Errorf("list applications: %w", err)
	}
	deleted := 0
	for _, app := range apps {
		if err := client.DeleteApplication(ctx, app.SID); err != nil {
			logger.Warn().Err(err).Str("application", app.SID).Msg("delete application failed")
			continue
		}
		deleted++
		fmt.Fprintf(out, "Deleted application %s (%s)\n", app.SID, app.FriendlyName)
	}
	fmt.Fprintf(out, "%d of %d applications deleted\n", deleted, len(apps))

	pn, err := client.GetPhoneNumber(ctx, phoneSID)
	if err != nil {
		return fmt.Errorf("fetch number %s: %w", phoneSID, err)
	}
	fmt.Fprintf(out, "\nCurrent configuration for %s:\n", pn.PhoneNumber)
	fmt.Fprintf(out, "  voice url:      %q\n", pn.VoiceURL)
	fmt.Fprintf(out, "  voice method:   %s\n", pn.VoiceMethod)
	fmt.Fprintf(out, "  fallback url:   %q\n", pn.VoiceFallbackURL)
	fmt.Fprintf(out, "  status url:     %q\n", pn.StatusCallback)
	fmt.Fprintf(out, "  application:    %q\n", pn.VoiceApplicationSID)
	return nil
}
