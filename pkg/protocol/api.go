// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import "fmt"

// API keys known to the broker. Only ApiVersions is served; the rest exist so that
// logs and metrics can name what a client asked for.
const (
	APIKeyProduce                 int16 = 0
	APIKeyFetch                   int16 = 1
	APIKeyListOffsets             int16 = 2
	APIKeyMetadata                int16 = 3
	APIKeyOffsetCommit            int16 = 8
	APIKeyOffsetFetch             int16 = 9
	APIKeyFindCoordinator         int16 = 10
	APIKeyJoinGroup               int16 = 11
	APIKeyHeartbeat               int16 = 12
	APIKeyLeaveGroup              int16 = 13
	APIKeySyncGroup               int16 = 14
	APIKeyApiVersion              int16 = 18
	APIKeyCreateTopics            int16 = 19
	APIKeyDeleteTopics            int16 = 20
	APIKeyDescribeConfigs         int16 = 32
	APIKeyDeleteGroups            int16 = 42
	APIKeyDescribeTopicPartitions int16 = 75
)

// ApiVersions request versions this broker answers without UNSUPPORTED_VERSION.
const (
	ApiVersionsMinVersion int16 = 0
	ApiVersionsMaxVersion int16 = 4
)

// ApiVersion describes the supported version range for an API.
type ApiVersion struct {
	APIKey     int16
	MinVersion int16
	MaxVersion int16
}

// Contains reports whether version falls inside the advertised range.
func (v ApiVersion) Contains(version int16) bool {
	return version >= v.MinVersion && version <= v.MaxVersion
}

var apiNames = map[int16]string{
	APIKeyProduce:                 "Produce",
	APIKeyFetch:                   "Fetch",
	APIKeyListOffsets:             "ListOffsets",
	APIKeyMetadata:                "Metadata",
	APIKeyOffsetCommit:            "OffsetCommit",
	APIKeyOffsetFetch:             "OffsetFetch",
	APIKeyFindCoordinator:         "FindCoordinator",
	APIKeyJoinGroup:               "JoinGroup",
	APIKeyHeartbeat:               "Heartbeat",
	APIKeyLeaveGroup:              "LeaveGroup",
	APIKeySyncGroup:               "SyncGroup",
	APIKeyApiVersion:              "ApiVersions",
	APIKeyCreateTopics:            "CreateTopics",
	APIKeyDeleteTopics:            "DeleteTopics",
	APIKeyDescribeConfigs:         "DescribeConfigs",
	APIKeyDeleteGroups:            "DeleteGroups",
	APIKeyDescribeTopicPartitions: "DescribeTopicPartitions",
}

// LookupAPIName returns the name of a known API key.
func LookupAPIName(apiKey int16) (string, bool) {
	name, ok := apiNames[apiKey]
	return name, ok
}

// APIName returns a readable name for apiKey, falling back to api_<key>.
func APIName(apiKey int16) string {
	if name, ok := LookupAPIName(apiKey); ok {
		return name
	}
	return fmt.Sprintf("api_%d", apiKey)
}
