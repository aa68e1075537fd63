// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httppool

import (
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/bufbuild/httppool/endpoint"
)

func discardLogger() log.Interface {
	return &log.Logger{Handler: discard.New(), Level: log.FatalLevel}
}

func connFields(ep endpoint.Endpoint, conn connection) log.Fields {
	fields := log.Fields{"endpoint": ep.String()}
	if conn != nil {
		fields["conn"] = conn.ID()
		fields["protocol"] = conn.Version().String()
	}
	return fields
}
