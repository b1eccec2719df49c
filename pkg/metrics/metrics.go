package metrics

const namespace = "donations"

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
