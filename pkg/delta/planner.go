// Package delta plans and builds delta images: the minimal transform from a
// previously deployed service image to a newly built one.
package delta

import "github.com/gridctl/fleetbuild/pkg/metadata"

// Job is one delta to generate for a service.
type Job struct {
	ServiceID int64
	Src       string
	Dest      string
}

// PickDeltas pairs the images of two releases by service and returns a job
// for every service whose image moved and whose content changed. Services
// new to the release get no job; devices pull those whole. Equal content
// hashes are retags and get no job either. Jobs follow newImages order.
func PickDeltas(oldImages, newImages []metadata.ReleaseImage) []Job {
	previous := make(map[int64]metadata.ReleaseImage, len(oldImages))
	for _, img := range oldImages {
		previous[img.ServiceID] = img
	}

	var jobs []Job
	for _, img := range newImages {
		old, ok := previous[img.ServiceID]
		if !ok {
			continue
		}
		if old.ImageLocation == img.ImageLocation || old.ContentHash == img.ContentHash {
			continue
		}
		jobs = append(jobs, Job{
			ServiceID: img.ServiceID,
			Src:       old.ImageLocation,
			Dest:      img.ImageLocation,
		})
	}
	return jobs
}
