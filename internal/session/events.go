package session

// appendBounded keeps history and event logs at constant memory
// regardless of match length: append, then drop the oldest entries past
// the cap.
func appendBounded[T any](list []T, item T, max int) []T {
	list = append(list, item)
	if max > 0 && len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
