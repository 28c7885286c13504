package email

import "fmt"

// MFACodeEmailHTML returns the HTML body for a sign-in verification code email.
func MFACodeEmailHTML(code string, appName string, ttlMinutes int) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Your sign-in code</title>
</head>
<body style="margin:0;padding:0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;background-color:#f4f5f7;">
<table width="100%%" cellpadding="0" cellspacing="0" style="background-color:#f4f5f7;padding:40px 0;">
<tr><td align="center">
<table width="480" cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;overflow:hidden;box-shadow:0 2px 8px rgba(0,0,0,0.08);">
  <tr><td style="padding:32px 40px 24px;text-align:center;">
    <h1 style="margin:0;font-size:24px;color:#1a1a2e;">Your sign-in code</h1>
  </td></tr>
  <tr><td style="padding:0 40px;">
    <p style="margin:0 0 24px;font-size:15px;color:#4a4a68;line-height:1.6;">
      Someone is signing in to your <strong>%s</strong> account. Enter the code below to confirm it's you.
    </p>
  </td></tr>
  <tr><td style="padding:0 40px;text-align:center;">
    <div style="display:inline-block;background-color:#f0f0ff;border:2px dashed #6c63ff;border-radius:8px;padding:16px 40px;margin:0 0 24px;">
      <span style="font-family:'Courier New',monospace;font-size:36px;font-weight:bold;letter-spacing:8px;color:#1a1a2e;">%s</span>
    </div>
  </td></tr>
  <tr><td style="padding:0 40px 32px;">
    <p style="margin:0;font-size:13px;color:#8888a0;line-height:1.5;">
      This code expires in <strong>%d minutes</strong>. If this wasn't you, we recommend changing your password.
    </p>
  </td></tr>
  <tr><td style="padding:16px 40px;background-color:#f9f9fc;border-top:1px solid #eeeef2;">
    <p style="margin:0;font-size:12px;color:#aaaabc;text-align:center;">
      &copy; %s &mdash; This is an automated message, please do not reply.
    </p>
  </td></tr>
</table>
</td></tr>
</table>
</body>
</html>`, appName, code, ttlMinutes, appName)
}

// MFACodeEmailText returns the plain-text body for a sign-in verification code email.
func MFACodeEmailText(code string, appName string, ttlMinutes int) string {
	return fmt.Sprintf(`Your sign-in code

Someone is signing in to your %s account. Enter the code below to confirm it's you.

Your verification code: %s

This code expires in %d minutes. If this wasn't you, we recommend changing your password.

- %s`, appName, code, ttlMinutes, appName)
}
