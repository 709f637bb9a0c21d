package provision

import "fmt"

func configDocument(webID, created string) map[string]any {
	return map[string]any{
		"@context":   "https://schema.org/",
		"type":       "KeyringConfig",
		"identifier": "proxion-keyring-config",
		"creator":    webID,
		"created":    created,
	}
}

func indexDocument(deviceID, created string) map[string]any {
	devices := []string{}
	if deviceID != "" {
		devices = append(devices, deviceID)
	}
	return map[string]any{
		"type":    "DeviceIndex",
		"created": created,
		"devices": devices,
	}
}

func defaultPolicyDocument() map[string]any {
	return map[string]any{
		"@context":   []string{"https://schema.org/"},
		"type":       "KeyringPolicy",
		"policy_id":  "pol-default",
		"applies_to": map[string]any{"all_devices": true},
		"permits": []map[string]any{
			{"action": "channel.bootstrap", "resource": "*"},
		},
	}
}

// aclDocument grants the owning identity read/write/control on a container,
// bound to a fixed origin.
func aclDocument(containerURL, webID, origin string) []byte {
	return []byte(fmt.Sprintf(`@prefix acl: <http://www.w3.org/ns/auth/acl#>.

<#owner>
    a acl:Authorization;
    acl:agent <%s>;
    acl:accessTo <%s>;
    acl:default <%s>;
    acl:origin <%s>;
    acl:mode acl:Read, acl:Write, acl:Control.
`, webID, containerURL, containerURL, origin))
}
