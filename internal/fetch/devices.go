package fetch

import (
	"context"
	"net/http"
	"net/url"
)

// Devices streams all devices, one page per batch. The userSummary
// expansion embeds each device's users, so no fan-out calls are needed.
func (f *Fetcher) Devices(ctx context.Context, process func([]DeviceRecord) error) (int, error) {
	q := url.Values{}
	q.Set("limit", "200")
	q.Set("expand", "userSummary")

	count := 0
	_, err := f.client.RequestPages(ctx, "/api/v1/devices", http.MethodGet, q, nil, 0, "devices",
		func(items []map[string]any) error {
			batch := make([]DeviceRecord, 0, len(items))
			for _, item := range items {
				batch = append(batch, mapDevice(item))
			}
			count += len(batch)
			return process(batch)
		})
	return count, err
}

func mapDevice(item map[string]any) DeviceRecord {
	profile := subMap(item, "profile")
	d := DeviceRecord{
		OktaID:                str(item, "id"),
		Status:                str(item, "status"),
		DisplayName:           str(profile, "displayName"),
		Platform:              str(profile, "platform"),
		Manufacturer:          str(profile, "manufacturer"),
		Model:                 str(profile, "model"),
		OSVersion:             str(profile, "osVersion"),
		SerialNumber:          str(profile, "serialNumber"),
		UDID:                  str(profile, "udid"),
		DiskEncryptionType:    str(profile, "diskEncryptionType"),
		SecureHardwarePresent: boolVal(profile, "secureHardwarePresent"),
		Registered:            timeField(profile, "registered"),
		Created:               timeField(item, "created"),
		LastUpdated:           timeField(item, "lastUpdated"),
	}

	embedded := subMap(item, "_embedded")
	for _, du := range subList(embedded, "users") {
		user := subMap(du, "user")
		userID := str(user, "id")
		if userID == "" {
			userID = str(du, "id")
		}
		if userID == "" {
			continue
		}
		d.Users = append(d.Users, DeviceUserRef{
			UserID:           userID,
			ManagementStatus: str(du, "managementStatus"),
			ScreenLockType:   str(du, "screenLockType"),
			AssignedAt:       timeField(du, "created"),
		})
	}
	return d
}
