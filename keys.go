package main

// DerivedKey maps an upload key to its processed artifact key. It depends on
// the source key and the process-wide prefix only, never on content, so a
// redelivered request always lands on the same destination.
func DerivedKey(sourceKey, prefix string) string {
	return prefix + sourceKey
}

func destinationFor(source Location, processedBucket, prefix string) Location {
	return Location{
		Bucket: processedBucket,
		Key:    DerivedKey(source.Key, prefix),
	}
}
