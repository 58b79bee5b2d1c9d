/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelflow/reelflow"
)

// reconcileCommands runs one reconciler sweep and prints the reports. With
// no argument every brand is swept.
func reconcileCommands(b *reelflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [brand]",
		Short: "run one reconciler sweep",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			b.setup()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			var reports []*reelflow.ReconcileReport
			if len(args) == 1 {
				report, err := b.reelflow.Reconcile(ctx, args[0])
				if err != nil {
					log.Fatal(err)
				}
				reports = append(reports, report)
			} else {
				all, err := b.reelflow.ReconcileAll(ctx)
				if err != nil {
					log.Fatal(err)
				}
				reports = all
			}

			data, err := json.MarshalIndent(reports, "", "    ")
			if err != nil {
				log.Fatal(err)
			}
			fmt.Println(string(data))
		},
	}

	return cmd
}

// cleanupCommands applies each brand's retention window once.
func cleanupCommands(b *reelflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "delete terminal workflows older than the retention window",
		Run: func(cmd *cobra.Command, args []string) {
			b.setup()
			ctx := context.Background()
			for _, brand := range b.cnf.BrandNames() {
				n, err := b.reelflow.Cleanup(ctx, brand, time.Now().UTC())
				if err != nil {
					log.Printf("Error cleaning %s: %v", brand, err)
					continue
				}
				fmt.Printf("%s: deleted %d workflows\n", brand, n)
			}
		},
	}

	return cmd
}
