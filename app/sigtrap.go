/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/timelinize/photoimport/importer"
)

// TrapSignals calls cancel on the first SIGINT or SIGTERM, which lets
// uploads in flight finish and records their results. A second signal
// exits the process immediately.
func TrapSignals(cancel func()) {
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		for i := 0; true; i++ {
			s := <-sig

			if i > 0 {
				importer.Log.Warn(s.String() + ": force quit")
				_ = importer.Log.Sync()
				os.Exit(2) //nolint:mnd
			}

			importer.Log.Warn(s.String() + ": shutting down; waiting for uploads in flight")
			cancel()
		}
	}()
}
