package logger

// RedactPhone masks a phone number for safe logging.
// "628123456789" → "6281****6789"
// Short numbers (≤8 digits) are fully masked.
func RedactPhone(phone string) string {
	if len(phone) <= 8 {
		return "********"
	}
	return phone[:4] + "****" + phone[len(phone)-4:]
}
